package fanout

import (
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/pkg/metrics"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Snapshotter reads the current state of an instance.
type Snapshotter interface {
	GetInstance(id string) (domain.Instance, error)
}

// Subscriber is one push client of one instance. Frames are JSON encoded
// domain.Event values; C is closed when the subscriber is dropped.
type Subscriber struct {
	InstanceID string

	ch     chan []byte
	once   sync.Once
	closed bool // guarded by Hub.mu
}

func (s *Subscriber) C() <-chan []byte { return s.ch }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub routes instance events to the subscribers of that instance.
type Hub struct {
	snap   Snapshotter
	buffer int

	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

func NewHub(snap Snapshotter, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{snap: snap, buffer: buffer, subs: make(map[string]map[*Subscriber]struct{})}
}

// Attach subscribes the hub to the manager topics. Bus handlers run
// synchronously, so a deleted instance is pruned before its teardown.
func (h *Hub) Attach(bus EventBus.Bus) error {
	if err := bus.Subscribe(domain.TopicInstanceEvent, h.Publish); err != nil {
		return errors.Wrap(err, "subscribe instance events")
	}
	if err := bus.Subscribe(domain.TopicInstanceDeleted, h.Drop); err != nil {
		return errors.Wrap(err, "subscribe instance deletes")
	}
	return nil
}

// Subscribe registers a subscriber for id and replays the current status,
// and the current QR when one is pending, before any live event.
func (h *Hub) Subscribe(id string) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	inst, err := h.snap.GetInstance(id)
	if err != nil {
		return nil, err
	}
	sub := &Subscriber{InstanceID: id, ch: make(chan []byte, h.buffer)}
	set, ok := h.subs[id]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[id] = set
	}
	set[sub] = struct{}{}

	now := time.Now()
	replay := []domain.Event{{Type: domain.EventStatus, InstanceID: id, Status: inst.Status, Phone: inst.Phone, Timestamp: now}}
	if inst.QR != "" {
		replay = append(replay, domain.Event{Type: domain.EventQR, InstanceID: id, Status: inst.Status, QR: inst.QR, Timestamp: now})
	}
	for _, evt := range replay {
		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		h.deliverLocked(sub, data)
	}
	zap.L().Debug("fanout: subscriber added", zap.String("instance_id", id), zap.Int("subscribers", len(set)))
	return sub, nil
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscriber) {
	if set, ok := h.subs[sub.InstanceID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.InstanceID)
		}
	}
	sub.closed = true
	sub.close()
}

// deliverLocked queues data or prunes a subscriber that cannot keep up.
func (h *Hub) deliverLocked(sub *Subscriber, data []byte) {
	if sub.closed {
		return
	}
	select {
	case sub.ch <- data:
	default:
		zap.L().Warn("fanout: subscriber too slow, dropping", zap.String("instance_id", sub.InstanceID))
		metrics.Incr("fanout_subscribers_pruned")
		h.removeLocked(sub)
	}
}

// Publish delivers evt to every subscriber of its instance. The event is
// serialized once.
func (h *Hub) Publish(evt domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[evt.InstanceID]
	if len(set) == 0 {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		zap.L().Error("fanout: marshal event failed", zap.String("instance_id", evt.InstanceID), zap.Error(err))
		return
	}
	for sub := range set {
		h.deliverLocked(sub, data)
	}
}

// Drop closes every subscriber of id.
func (h *Hub) Drop(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[id] {
		sub.closed = true
		sub.close()
	}
	delete(h.subs, id)
}

// Count returns the number of live subscribers of id.
func (h *Hub) Count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.subs {
		for sub := range set {
			sub.closed = true
			sub.close()
		}
		delete(h.subs, id)
	}
}
