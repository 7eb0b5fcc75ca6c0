// Command toughwa-watch follows one instance of a running toughwa server,
// renders its QR codes in the terminal and keeps a local mirror of its
// connection state.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/mdp/qrterminal/v3"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/apiclient"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/session"
	"github.com/talkincode/toughwa/internal/syncer"
	"go.uber.org/zap"
)

var (
	server  = flag.String("s", "http://127.0.0.1:1826", "toughwa server address")
	apiKey  = flag.String("k", os.Getenv("TOUGHWA_WEB_API_KEY"), "api key")
	id      = flag.String("id", "", "instance id")
	create  = flag.Bool("create", false, "create the instance when it does not exist")
	webhook = flag.String("webhook", "", "webhook url used with -create")
	debug   = flag.Bool("debug", false, "verbose logging")
)

func main() {
	flag.Parse()
	if *id == "" {
		flag.Usage()
		os.Exit(2)
	}

	newLogger := zap.NewProduction
	if *debug {
		newLogger = zap.NewDevelopment
	}
	logger, err := newLogger()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	client := apiclient.New(*server, *apiKey, 10*time.Second)

	inst, err := client.Get(ctx, *id)
	if errors.Is(err, domain.ErrNotFound) && *create {
		inst, err = client.Create(ctx, session.CreateRequest{ID: *id, WebhookURL: *webhook})
	}
	if err != nil {
		return errors.Wrapf(err, "load instance %s", *id)
	}

	tracker := syncer.New(client, syncer.NotifierFunc(func(n syncer.Notice) {
		fmt.Printf("[%s] %s: %s\n", n.At.Format("15:04:05"), n.Kind, n.Message)
	}), syncer.DefaultOptions())
	defer tracker.Close()
	if err := tracker.Track(inst.ID, inst); err != nil {
		return err
	}
	printState(inst.ID, tracker)

	go readCommands(ctx, inst.ID, tracker)
	w := &watcher{
		src:         client,
		id:          inst.ID,
		push:        render(tracker),
		initial:     time.Second,
		maxNotFound: syncer.DefaultOptions().MaxNotFound,
	}
	if err := w.run(ctx); errors.Is(err, domain.ErrNotFound) {
		fmt.Printf("instance %s no longer exists\n", inst.ID)
	}
	return nil
}

type eventSource interface {
	Watch(ctx context.Context, id string, fn func(domain.Event)) error
}

// watcher keeps the push channel of one instance open. Not-found answers
// are expected while a reconnect recreates the instance, so up to
// maxNotFound of them in a row are retried.
type watcher struct {
	src         eventSource
	id          string
	push        func(domain.Event)
	initial     time.Duration
	maxNotFound int
}

// run returns nil when ctx is done and domain.ErrNotFound once the instance
// stayed missing for maxNotFound consecutive dials.
func (w *watcher) run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initial
	b.MaxInterval = 30 * w.initial
	b.MaxElapsedTime = 0

	notFound := 0
	for ctx.Err() == nil {
		err := w.src.Watch(ctx, w.id, func(evt domain.Event) {
			b.Reset()
			notFound = 0
			w.push(evt)
		})
		switch {
		case errors.Is(err, domain.ErrNotFound):
			notFound++
			if notFound > w.maxNotFound {
				return err
			}
			zap.L().Debug("watch: instance not found, retrying",
				zap.String("instance_id", w.id), zap.Int("attempt", notFound))
		case err != nil:
			zap.L().Warn("watch: stream error", zap.String("instance_id", w.id), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.NextBackOff()):
		}
	}
	return nil
}

func render(tracker *syncer.Synchronizer) func(domain.Event) {
	return func(evt domain.Event) {
		if evt.Type == domain.EventQR && evt.QR != "" {
			fmt.Println("Scan this QR code with WhatsApp:")
			qrterminal.GenerateHalfBlock(evt.QR, qrterminal.L, os.Stdout)
		}
		if evt.Type == domain.EventMessage && evt.Message != nil {
			fmt.Printf("message from %s: %s\n", evt.Message.From, evt.Message.Content)
		}
		tracker.Push(evt)
	}
}

// readCommands accepts connect, reconnect, disconnect and status on stdin.
func readCommands(ctx context.Context, id string, tracker *syncer.Synchronizer) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		var err error
		switch strings.TrimSpace(sc.Text()) {
		case "connect":
			err = tracker.Connect(id)
		case "reconnect":
			err = tracker.Reconnect(id)
		case "disconnect":
			err = tracker.Disconnect(id)
		case "status", "":
			printState(id, tracker)
		default:
			fmt.Println("commands: connect | reconnect | disconnect | status")
		}
		if err != nil {
			fmt.Println("error:", err)
		}
	}
}

func printState(id string, tracker *syncer.Synchronizer) {
	m, ok := tracker.Mirror(id)
	if !ok {
		return
	}
	line := fmt.Sprintf("%s status=%s", id, m.Status)
	if m.Phone != "" {
		line += " phone=" + m.Phone
	}
	if m.Stale {
		line += " (stale)"
	}
	if m.AutoReconnectCount > 0 {
		line += fmt.Sprintf(" auto_reconnects=%d", m.AutoReconnectCount)
	}
	fmt.Println(line)
}
