package config

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// SysConfig System Configuration
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

// WebConfig Web Server Configuration
type WebConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	ApiKey string `yaml:"api_key"`
}

// DBConfig Database Configuration. Type is bolt (default) or postgres.
type DBConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// LogConfig Log Configuration
type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// EngineConfig selects the protocol engine driver.
type EngineConfig struct {
	Driver string `yaml:"driver"`
}

// SessionConfig tunes the session manager timings and budgets.
// Durations are given in milliseconds.
type SessionConfig struct {
	DrainIntervalMs      int `yaml:"drain_interval_ms"`
	SettleIntervalMs     int `yaml:"settle_interval_ms"`
	AutoReconnectDelayMs int `yaml:"auto_reconnect_delay_ms"`
	MaxAutoReconnects    int `yaml:"max_auto_reconnects"`
	FreshPairingWindowMs int `yaml:"fresh_pairing_window_ms"`
	MinCredentialBytes   int `yaml:"min_credential_bytes"`
}

// WebhookConfig controls the fire-and-forget webhook worker pool.
type WebhookConfig struct {
	Workers   int `yaml:"workers"`
	TimeoutMs int `yaml:"timeout_ms"`
}

// MetricsConfig toggles the local time series store.
type MetricsConfig struct {
	Enable bool `yaml:"enable"`
}

type AppConfig struct {
	System   SysConfig     `yaml:"system"`
	Web      WebConfig     `yaml:"web"`
	Database DBConfig      `yaml:"database"`
	Logger   LogConfig     `yaml:"logger"`
	Engine   EngineConfig  `yaml:"engine"`
	Session  SessionConfig `yaml:"session"`
	Webhook  WebhookConfig `yaml:"webhook"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) GetMetricsDir() string {
	return path.Join(c.System.Workdir, "data", "metrics")
}

// GetBoltPath returns the bbolt database file used by the bolt storage driver.
func (c *AppConfig) GetBoltPath() string {
	return path.Join(c.GetDataDir(), "toughwa.db")
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o700)
	_ = os.MkdirAll(c.GetDataDir(), 0o700)
	_ = os.MkdirAll(c.GetMetricsDir(), 0o700)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (s SessionConfig) DrainInterval() time.Duration      { return ms(s.DrainIntervalMs) }
func (s SessionConfig) SettleInterval() time.Duration     { return ms(s.SettleIntervalMs) }
func (s SessionConfig) AutoReconnectDelay() time.Duration { return ms(s.AutoReconnectDelayMs) }
func (s SessionConfig) FreshPairingWindow() time.Duration { return ms(s.FreshPairingWindowMs) }
func (w WebhookConfig) Timeout() time.Duration            { return ms(w.TimeoutMs) }

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "ToughWA",
		Location: "Asia/Shanghai",
		Workdir:  "/var/toughwa",
		Debug:    true,
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 1826,
	},
	Database: DBConfig{
		Type:     "bolt",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "toughwa",
		User:     "postgres",
		Passwd:   "myroot",
		MaxConn:  20,
		IdleConn: 5,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/toughwa/logs/toughwa.log",
	},
	Engine: EngineConfig{
		Driver: "sim",
	},
	Session: SessionConfig{
		DrainIntervalMs:      1000,
		SettleIntervalMs:     2000,
		AutoReconnectDelayMs: 5000,
		MaxAutoReconnects:    3,
		FreshPairingWindowMs: 30000,
		MinCredentialBytes:   64,
	},
	Webhook: WebhookConfig{
		Workers:   16,
		TimeoutMs: 10000,
	},
	Metrics: MetricsConfig{
		Enable: true,
	},
}

// LoadConfig reads the yaml file (if any), fills unset values from the
// defaults and applies TOUGHWA_* environment overrides.
func LoadConfig(cfile string) *AppConfig {
	// Read the configuration from the environment variable first
	if cfile == "" {
		cfile = os.Getenv("TOUGHWA_CONFIG")
	}
	if cfile == "" {
		cfile = "toughwa.yml"
	}
	if !fileExists(cfile) {
		cfile = "/etc/toughwa.yml"
	}
	cfg := new(AppConfig)
	*cfg = *DefaultAppConfig
	if fileExists(cfile) {
		data, err := os.ReadFile(cfile)
		if err != nil {
			panic(err)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			panic(err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	cfg.initDirs()
	return cfg
}

// applyDefaults repairs zero values an operator may have left out of the file.
func (c *AppConfig) applyDefaults() {
	d := DefaultAppConfig
	if c.Session.DrainIntervalMs <= 0 {
		c.Session.DrainIntervalMs = d.Session.DrainIntervalMs
	}
	if c.Session.SettleIntervalMs <= 0 {
		c.Session.SettleIntervalMs = d.Session.SettleIntervalMs
	}
	if c.Session.AutoReconnectDelayMs <= 0 {
		c.Session.AutoReconnectDelayMs = d.Session.AutoReconnectDelayMs
	}
	if c.Session.MaxAutoReconnects <= 0 {
		c.Session.MaxAutoReconnects = d.Session.MaxAutoReconnects
	}
	if c.Session.FreshPairingWindowMs <= 0 {
		c.Session.FreshPairingWindowMs = d.Session.FreshPairingWindowMs
	}
	if c.Session.MinCredentialBytes <= 0 {
		c.Session.MinCredentialBytes = d.Session.MinCredentialBytes
	}
	if c.Webhook.Workers <= 0 {
		c.Webhook.Workers = d.Webhook.Workers
	}
	if c.Webhook.TimeoutMs <= 0 {
		c.Webhook.TimeoutMs = d.Webhook.TimeoutMs
	}
	if c.Engine.Driver == "" {
		c.Engine.Driver = d.Engine.Driver
	}
	if c.Database.Type == "" {
		c.Database.Type = d.Database.Type
	}
}

func (c *AppConfig) applyEnv() {
	setEnvValue("TOUGHWA_SYSTEM_WORKER_DIR", &c.System.Workdir)
	setEnvValue("TOUGHWA_SYSTEM_LOCATION", &c.System.Location)
	setEnvBoolValue("TOUGHWA_SYSTEM_DEBUG", &c.System.Debug)

	setEnvValue("TOUGHWA_WEB_HOST", &c.Web.Host)
	setEnvIntValue("TOUGHWA_WEB_PORT", &c.Web.Port)
	setEnvValue("TOUGHWA_WEB_API_KEY", &c.Web.ApiKey)

	setEnvValue("TOUGHWA_DB_TYPE", &c.Database.Type)
	setEnvValue("TOUGHWA_DB_HOST", &c.Database.Host)
	setEnvIntValue("TOUGHWA_DB_PORT", &c.Database.Port)
	setEnvValue("TOUGHWA_DB_NAME", &c.Database.Name)
	setEnvValue("TOUGHWA_DB_USER", &c.Database.User)
	setEnvValue("TOUGHWA_DB_PWD", &c.Database.Passwd)
	setEnvBoolValue("TOUGHWA_DB_DEBUG", &c.Database.Debug)

	setEnvValue("TOUGHWA_LOGGER_MODE", &c.Logger.Mode)
	setEnvBoolValue("TOUGHWA_LOGGER_FILE_ENABLE", &c.Logger.FileEnable)

	setEnvValue("TOUGHWA_ENGINE_DRIVER", &c.Engine.Driver)

	setEnvIntValue("TOUGHWA_SESSION_MAX_AUTO_RECONNECTS", &c.Session.MaxAutoReconnects)
	setEnvIntValue("TOUGHWA_SESSION_AUTO_RECONNECT_DELAY_MS", &c.Session.AutoReconnectDelayMs)
	setEnvIntValue("TOUGHWA_WEBHOOK_WORKERS", &c.Webhook.Workers)
	setEnvBoolValue("TOUGHWA_METRICS_ENABLE", &c.Metrics.Enable)
}

func setEnvValue(name string, val *string) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		*val = evalue
	}
}

func setEnvBoolValue(name string, val *bool) {
	var evalue = strings.TrimSpace(os.Getenv(name))
	if evalue != "" {
		*val = cast.ToBool(evalue)
	}
}

func setEnvIntValue(name string, val *int) {
	var evalue = strings.TrimSpace(os.Getenv(name))
	if evalue == "" {
		return
	}
	if p, err := cast.ToIntE(evalue); err == nil {
		*val = p
	}
}

// Dump renders the configuration as yaml (used by the -x flag).
func (c *AppConfig) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

func fileExists(file string) bool {
	info, err := os.Stat(file)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
