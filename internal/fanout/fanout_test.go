package fanout

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/talkincode/toughwa/internal/domain"
)

type fakeSnap map[string]domain.Instance

func (f fakeSnap) GetInstance(id string) (domain.Instance, error) {
	inst, ok := f[id]
	if !ok {
		return domain.Instance{}, domain.ErrNotFound
	}
	return inst, nil
}

func recv(t *testing.T, sub *Subscriber) domain.Event {
	t.Helper()
	select {
	case data, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscriber closed")
		}
		var evt domain.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatalf("no event")
	}
	return domain.Event{}
}

func TestSubscribeReplaysState(t *testing.T) {
	h := NewHub(fakeSnap{
		"i1": {ID: "i1", Status: domain.StatusQRPending, QR: "code"},
		"i2": {ID: "i2", Status: domain.StatusConnected, Phone: "628"},
	}, 4)

	sub, err := h.Subscribe("i1")
	if err != nil {
		t.Fatal(err)
	}
	if evt := recv(t, sub); evt.Type != domain.EventStatus || evt.Status != domain.StatusQRPending {
		t.Fatalf("first replay %+v", evt)
	}
	if evt := recv(t, sub); evt.Type != domain.EventQR || evt.QR != "code" {
		t.Fatalf("second replay %+v", evt)
	}

	sub2, _ := h.Subscribe("i2")
	if evt := recv(t, sub2); evt.Phone != "628" {
		t.Fatalf("replay %+v", evt)
	}
	select {
	case <-sub2.C():
		t.Fatalf("connected instance must not replay a qr")
	default:
	}

	if _, err := h.Subscribe("missing"); err == nil {
		t.Fatalf("expected error for unknown instance")
	}
}

func TestPublishRoutesPerInstance(t *testing.T) {
	h := NewHub(fakeSnap{"a": {ID: "a"}, "b": {ID: "b"}}, 8)
	bus := EventBus.New()
	if err := h.Attach(bus); err != nil {
		t.Fatal(err)
	}
	sa, _ := h.Subscribe("a")
	sb, _ := h.Subscribe("b")
	recv(t, sa)
	recv(t, sb)

	bus.Publish(domain.TopicInstanceEvent, domain.Event{Type: domain.EventQR, InstanceID: "a", QR: "x"})
	if evt := recv(t, sa); evt.QR != "x" {
		t.Fatalf("a got %+v", evt)
	}
	select {
	case <-sb.C():
		t.Fatalf("b received an event of a")
	default:
	}

	bus.Publish(domain.TopicInstanceDeleted, "a")
	if _, ok := <-sa.C(); ok {
		t.Fatalf("subscriber of deleted instance still open")
	}
	if h.Count("a") != 0 || h.Count("b") != 1 {
		t.Fatalf("counts a=%d b=%d", h.Count("a"), h.Count("b"))
	}
}

func TestSlowSubscriberPruned(t *testing.T) {
	h := NewHub(fakeSnap{"a": {ID: "a"}}, 2)
	slow, _ := h.Subscribe("a")
	for i := 0; i < 5; i++ {
		h.Publish(domain.Event{Type: domain.EventStatus, InstanceID: "a", Status: domain.StatusConnecting})
	}
	if h.Count("a") != 0 {
		t.Fatalf("slow subscriber kept")
	}
	n := 0
	for range slow.C() {
		n++
	}
	if n != 2 {
		t.Fatalf("buffered frames = %d", n)
	}
	h.Unsubscribe(slow)
}

func TestWebhookDispatch(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d, err := NewWebhookDispatcher(2, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	bus := EventBus.New()
	if err := d.Attach(bus); err != nil {
		t.Fatal(err)
	}

	bus.Publish(domain.TopicInstanceEvent, domain.Event{Type: domain.EventStatus, InstanceID: "i1", Status: domain.StatusConnected, Phone: "628", WebhookURL: srv.URL})
	bus.Publish(domain.TopicInstanceEvent, domain.Event{Type: domain.EventQR, InstanceID: "i2", QR: "x"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("webhook not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	var payload domain.WebhookPayload
	if err := json.Unmarshal([]byte(bodies[0]), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.InstanceID != "i1" || payload.Event != "connected" {
		t.Fatalf("payload %+v", payload)
	}
}

func TestWebhookPostReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	d, _ := NewWebhookDispatcher(1, time.Second)
	defer d.Close()
	err := d.Post(context.Background(), srv.URL, domain.WebhookPayload{InstanceID: "i1", Event: "qr"})
	if err == nil {
		t.Fatalf("expected error on 502")
	}
}
