package adminapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/talkincode/toughwa/config"
	"github.com/talkincode/toughwa/internal/apiclient"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/engine/sim"
	"github.com/talkincode/toughwa/internal/fanout"
	"github.com/talkincode/toughwa/internal/session"
	"github.com/talkincode/toughwa/internal/store"
	"github.com/talkincode/toughwa/internal/webserver"
)

const testKey = "secret"

type apiHarness struct {
	srv    *httptest.Server
	eng    *sim.Engine
	mgr    *session.Manager
	hub    *fanout.Hub
	client *apiclient.Client
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	eng := sim.New(sim.Options{})
	bus := EventBus.New()
	mgr := session.NewManager(eng, st.Registry(), st.Credentials(), bus, session.Options{
		DrainInterval:      time.Millisecond,
		SettleInterval:     time.Millisecond,
		AutoReconnectDelay: 10 * time.Millisecond,
		MaxAutoReconnects:  2,
		FreshPairingWindow: time.Second,
		MinCredentialBytes: 64,
	})
	hub := fanout.NewHub(mgr, 16)
	if err := hub.Attach(bus); err != nil {
		t.Fatal(err)
	}

	cfg := &config.AppConfig{Web: config.WebConfig{ApiKey: testKey}}
	ws := webserver.NewWebServer(cfg)
	NewInstanceApi(mgr, hub).Register(ws)
	srv := httptest.NewServer(ws.Echo())

	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		mgr.Shutdown()
		_ = st.Close()
	})
	return &apiHarness{
		srv:    srv,
		eng:    eng,
		mgr:    mgr,
		hub:    hub,
		client: apiclient.New(srv.URL, testKey, 5*time.Second),
	}
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

func (h *apiHarness) waitStatus(t *testing.T, id string, want domain.Status) {
	t.Helper()
	waitFor(t, "status "+string(want), func() bool {
		inst, err := h.mgr.GetInstance(id)
		return err == nil && inst.Status == want
	})
}

func TestAPIKeyRequired(t *testing.T) {
	h := newAPIHarness(t)
	resp, err := http.Get(h.srv.URL + webserver.ApiPrefix + "/instances")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected auth failure, got %d", resp.StatusCode)
	}

	resp, err = http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should be open, got %d", resp.StatusCode)
	}
}

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	inst, err := h.client.Create(ctx, session.CreateRequest{ID: "shop", WebhookURL: "http://hook.local/wa"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.ID != "shop" || inst.Name != "shop" || inst.Status != domain.StatusConnecting {
		t.Fatalf("unexpected instance %+v", inst)
	}

	if _, err := h.client.Create(ctx, session.CreateRequest{ID: "shop", WebhookURL: "http://hook.local/wa"}); !errors.Is(err, domain.ErrDuplicateID) {
		t.Fatalf("expected duplicate id, got %v", err)
	}
	if _, err := h.client.Create(ctx, session.CreateRequest{ID: "bad", WebhookURL: "ftp://x"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}

	waitFor(t, "session", func() bool { return h.eng.Session("shop") != nil })
	s := h.eng.Session("shop")
	s.EmitQR("qr-shop")
	h.waitStatus(t, "shop", domain.StatusQRPending)

	qr, err := h.client.GetQR(ctx, "shop")
	if err != nil || qr != "qr-shop" {
		t.Fatalf("qr = %q, %v", qr, err)
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+webserver.ApiPrefix+"/instances/shop/qr.png", nil)
	req.Header.Set("X-API-Key", testKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("qr.png: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	if _, err := h.client.Send(ctx, "shop", session.SendRequest{To: "62811", Content: "hi"}); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}

	s.Pair("62812")
	h.waitStatus(t, "shop", domain.StatusConnected)

	status, err := h.client.GetStatus(ctx, "shop")
	if err != nil || status.Phone != "62812" || status.QR != "" {
		t.Fatalf("status = %+v, %v", status, err)
	}

	msgID, err := h.client.Send(ctx, "shop", session.SendRequest{To: "62811", Content: "hi"})
	if err != nil || msgID == "" {
		t.Fatalf("send: %q %v", msgID, err)
	}
	if _, err := h.client.Send(ctx, "shop", session.SendRequest{To: "", Content: "hi"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}

	list, err := h.client.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %+v, %v", list, err)
	}

	if err := h.client.Disconnect(ctx, "shop"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	h.waitStatus(t, "shop", domain.StatusDisconnected)

	if err := h.client.Resume(ctx, "shop"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.waitStatus(t, "shop", domain.StatusConnected)

	if err := h.client.Delete(ctx, "shop"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.client.Get(ctx, "shop"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := h.client.Delete(ctx, "shop"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestQRImageWithoutPendingQR(t *testing.T) {
	h := newAPIHarness(t)
	if _, err := h.client.Create(context.Background(), session.CreateRequest{ID: "noqr", WebhookURL: "https://hook.local/wa"}); err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+webserver.ApiPrefix+"/instances/noqr/qr.png?api_key="+testKey, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestReconnectUnknownIsNotFound(t *testing.T) {
	h := newAPIHarness(t)
	if err := h.client.Reconnect(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEventStreamReplaysAndForwards(t *testing.T) {
	h := newAPIHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := h.client.Create(ctx, session.CreateRequest{ID: "live", WebhookURL: "http://hook.local/wa"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session", func() bool { return h.eng.Session("live") != nil })
	s := h.eng.Session("live")
	s.EmitQR("qr-live")
	h.waitStatus(t, "live", domain.StatusQRPending)

	events := make(chan domain.Event, 32)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- h.client.Watch(ctx, "live", func(evt domain.Event) { events <- evt })
	}()

	next := func() domain.Event {
		t.Helper()
		select {
		case evt := <-events:
			return evt
		case <-time.After(3 * time.Second):
			t.Fatal("no event received")
		}
		return domain.Event{}
	}

	if evt := next(); evt.Type != domain.EventStatus || evt.Status != domain.StatusQRPending {
		t.Fatalf("first replayed event = %+v", evt)
	}
	if evt := next(); evt.Type != domain.EventQR || evt.QR != "qr-live" {
		t.Fatalf("second replayed event = %+v", evt)
	}

	waitFor(t, "subscriber registered", func() bool { return h.hub.Count("live") == 1 })
	s.Pair("62813")
	for {
		evt := next()
		if evt.Type == domain.EventStatus && evt.Status == domain.StatusConnected {
			if evt.Phone != "62813" {
				t.Fatalf("connected without phone: %+v", evt)
			}
			break
		}
	}

	// deleting the instance ends the stream
	if err := h.client.Delete(ctx, "live"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-watchErr:
		if err != nil && !strings.Contains(err.Error(), "close") {
			t.Fatalf("watch ended with %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream was not closed after delete")
	}
}

func TestEventStreamUnknownInstance(t *testing.T) {
	h := newAPIHarness(t)
	err := h.client.Watch(context.Background(), "ghost", func(domain.Event) {})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
