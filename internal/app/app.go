package app

import (
	"context"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/toughwa/config"
	"github.com/talkincode/toughwa/internal/adminapi"
	"github.com/talkincode/toughwa/internal/engine"
	"github.com/talkincode/toughwa/internal/engine/sim"
	"github.com/talkincode/toughwa/internal/fanout"
	"github.com/talkincode/toughwa/internal/session"
	"github.com/talkincode/toughwa/internal/store"
	"github.com/talkincode/toughwa/internal/webserver"
	"github.com/talkincode/toughwa/pkg/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Application struct {
	appConfig *config.AppConfig
	store     store.Store
	engine    engine.Engine
	bus       EventBus.Bus
	manager   *session.Manager
	hub       *fanout.Hub
	webhooks  *fanout.WebhookDispatcher
	web       *webserver.WebServer
	sched     *cron.Cron
}

// Ensure Application implements all interfaces
var (
	_ ConfigProvider    = (*Application)(nil)
	_ StoreProvider     = (*Application)(nil)
	_ SessionProvider   = (*Application)(nil)
	_ SchedulerProvider = (*Application)(nil)
	_ AppContext        = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) Store() store.Store {
	return a.store
}

// OverrideStore replaces the storage backend; it must be called before Init.
func (a *Application) OverrideStore(st store.Store) {
	a.store = st
}

// OverrideEngine replaces the protocol engine; it must be called before Init.
func (a *Application) OverrideEngine(eng engine.Engine) {
	a.engine = eng
}

func (a *Application) Manager() *session.Manager {
	return a.manager
}

func (a *Application) Hub() *fanout.Hub {
	return a.hub
}

func (a *Application) WebServer() *webserver.WebServer {
	return a.web
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func initLogger(cfg *config.AppConfig) *zap.Logger {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	if !cfg.Logger.FileEnable {
		logger, err := zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
		return logger
	}

	lumberJackLogger := &lumberjack.Logger{
		Filename:   cfg.Logger.Filename,
		MaxSize:    64,
		MaxBackups: 7,
		MaxAge:     7,
		Compress:   false,
	}
	core := zapcore.NewTee(
		zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(lumberJackLogger),
			zapConfig.Level,
		),
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.AddSync(os.Stdout),
			zapConfig.Level,
		),
	)
	return zap.New(core, zap.AddCaller())
}

// newEngine builds the engine named by engine.driver.
func newEngine(cfg config.EngineConfig) (engine.Engine, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sim":
		return sim.New(sim.Options{AutoQR: true, AutoPairAfter: 15 * time.Second}), nil
	default:
		return nil, errors.Errorf("unsupported engine driver %q", cfg.Driver)
	}
}

func (a *Application) Init(cfg *config.AppConfig) error {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	zap.ReplaceGlobals(initLogger(cfg))

	if cfg.Metrics.Enable {
		if err := metrics.InitMetrics(cfg.System.Workdir); err != nil {
			zap.S().Warn("Failed to initialize metrics:", err)
		}
	}

	if a.store == nil {
		a.store, err = store.Open(cfg)
		if err != nil {
			return errors.Wrap(err, "open store")
		}
	}
	zap.S().Infof("Storage ready, type: %s", cfg.Database.Type)

	if a.engine == nil {
		a.engine, err = newEngine(cfg.Engine)
		if err != nil {
			return err
		}
	}

	a.bus = EventBus.New()
	a.manager = session.NewManager(a.engine, a.store.Registry(), a.store.Credentials(), a.bus,
		session.OptionsFromConfig(cfg.Session))

	a.hub = fanout.NewHub(a.manager, fanout.DefaultBuffer)
	if err := a.hub.Attach(a.bus); err != nil {
		return errors.Wrap(err, "attach hub")
	}
	a.webhooks, err = fanout.NewWebhookDispatcher(cfg.Webhook.Workers, cfg.Webhook.Timeout())
	if err != nil {
		return errors.Wrap(err, "webhook pool")
	}
	if err := a.webhooks.Attach(a.bus); err != nil {
		return errors.Wrap(err, "attach webhooks")
	}

	a.web = webserver.NewWebServer(cfg)
	adminapi.NewInstanceApi(a.manager, a.hub).Register(a.web)

	a.initJob()
	return nil
}

// Restore reopens every registered instance.
func (a *Application) Restore(ctx context.Context) error {
	return a.manager.Restore(ctx)
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		<-a.sched.Stop().Done()
	}
	if a.manager != nil {
		a.manager.Shutdown()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.webhooks != nil {
		a.webhooks.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			zap.S().Error("close store:", err)
		}
	}
	_ = metrics.Close()
	_ = zap.L().Sync()
}
