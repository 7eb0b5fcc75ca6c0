package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talkincode/toughwa/config"
	"github.com/talkincode/toughwa/internal/app"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	h         = flag.Bool("h", false, "help usage")
	showVer   = flag.Bool("v", false, "show version")
	conffile  = flag.String("c", "", "config yaml file")
	dumpConf  = flag.Bool("x", false, "dump default config and exit")
	norestore = flag.Bool("norestore", false, "do not reopen registered instances on startup")
)

var BuildVersion = "develop"

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(BuildVersion)
		return
	}
	if *h {
		flag.Usage()
		return
	}

	cfg := config.LoadConfig(*conffile)
	if *dumpConf {
		data, err := cfg.Dump()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "init error:", err)
		os.Exit(1)
	}
	defer application.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*norestore {
		if err := application.Restore(ctx); err != nil {
			zap.S().Errorf("restore instances error %s", err.Error())
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return application.WebServer().Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.S().Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return application.WebServer().Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		zap.S().Error(err)
	}
}
