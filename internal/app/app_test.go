package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/talkincode/toughwa/config"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/engine/sim"
	"github.com/talkincode/toughwa/internal/session"
	"github.com/talkincode/toughwa/pkg/metrics"
)

func testConfig(t *testing.T) *config.AppConfig {
	cfg := new(config.AppConfig)
	*cfg = *config.DefaultAppConfig
	cfg.System.Workdir = t.TempDir()
	cfg.System.Location = "UTC"
	cfg.Logger.FileEnable = false
	cfg.Metrics.Enable = false
	cfg.Database.Type = "bolt"
	cfg.Session.DrainIntervalMs = 1
	cfg.Session.SettleIntervalMs = 1
	cfg.Session.AutoReconnectDelayMs = 10
	return cfg
}

func newTestApp(t *testing.T) (*Application, *sim.Engine) {
	t.Helper()
	cfg := testConfig(t)
	eng := sim.New(sim.Options{})
	a := NewApplication(cfg)
	a.OverrideEngine(eng)
	if err := a.Init(cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(a.Release)
	return a, eng
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInitWiresWebhooks(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	a, eng := newTestApp(t)
	if a.Store() == nil || a.Scheduler() == nil || a.WebServer() == nil {
		t.Fatal("application not fully initialised")
	}
	ctx := context.Background()
	if _, err := a.Manager().CreateInstance(ctx, session.CreateRequest{ID: "hooked", WebhookURL: hook.URL}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session", func() bool { return eng.Session("hooked") != nil })
	eng.Session("hooked").EmitQR("qr-hooked")

	waitFor(t, "qr webhook", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, b := range bodies {
			if strings.Contains(b, `"event":"qr"`) && strings.Contains(b, "qr-hooked") {
				return true
			}
		}
		return false
	})
}

func TestRestoreReopensRegisteredInstances(t *testing.T) {
	a, eng := newTestApp(t)
	ctx := context.Background()
	if _, err := a.Manager().CreateInstance(ctx, session.CreateRequest{ID: "kept", WebhookURL: "http://hook.local/wa"}); err != nil {
		t.Fatal(err)
	}
	if err := a.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second open", func() bool { return eng.Opens("kept") >= 2 })
	waitFor(t, "single live connection", func() bool { return eng.LiveCount("kept") == 1 })
}

func TestSessionMonitorTask(t *testing.T) {
	a, _ := newTestApp(t)
	if _, err := a.Manager().CreateInstance(context.Background(), session.CreateRequest{ID: "m1", WebhookURL: "http://hook.local/wa"}); err != nil {
		t.Fatal(err)
	}
	a.SchedSessionMonitorTask()
	if got := metrics.Value("session_instances", "status", string(domain.StatusConnecting)); got != 1 {
		t.Fatalf("connecting gauge = %d", got)
	}
	if got := metrics.Value("session_instances", "status", string(domain.StatusConnected)); got != 0 {
		t.Fatalf("connected gauge = %d", got)
	}
}

func TestSweepCredentialsTask(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	if err := a.Store().Credentials().Save(ctx, "orphan", sim.NewCredentials("62899")); err != nil {
		t.Fatal(err)
	}
	a.SchedSweepCredentialsTask()
	if _, err := a.Store().Credentials().Load(ctx, "orphan"); err == nil {
		t.Fatal("orphan credentials survived the sweep")
	}
}
