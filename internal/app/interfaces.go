package app

import (
	"github.com/robfig/cron/v3"
	"github.com/talkincode/toughwa/config"
	"github.com/talkincode/toughwa/internal/fanout"
	"github.com/talkincode/toughwa/internal/session"
	"github.com/talkincode/toughwa/internal/store"
)

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// StoreProvider provides the registry and credential storage
type StoreProvider interface {
	Store() store.Store
}

// SessionProvider provides the session manager and its event hub
type SessionProvider interface {
	Manager() *session.Manager
	Hub() *fanout.Hub
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// AppContext combines all provider interfaces for full application context
type AppContext interface {
	ConfigProvider
	StoreProvider
	SessionProvider
	SchedulerProvider

	// SchedSessionMonitorTask records per-status instance gauges
	SchedSessionMonitorTask()
	// SchedSweepCredentialsTask removes credentials of unregistered instances
	SchedSweepCredentialsTask()
	Release()
}
