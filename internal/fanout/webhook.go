package fanout

import (
	"context"
	"net/http"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/guonaihong/gout"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/pkg/metrics"
	"go.uber.org/zap"
)

// WebhookDispatcher posts instance events to the webhook of the instance.
// Delivery is best effort: one attempt, failures are logged.
type WebhookDispatcher struct {
	pool    *ants.Pool
	client  *http.Client
	timeout time.Duration
}

func NewWebhookDispatcher(workers int, timeout time.Duration) (*WebhookDispatcher, error) {
	if workers <= 0 {
		workers = 16
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true), ants.WithPanicHandler(func(v interface{}) {
		zap.L().Error("webhook: worker panic", zap.Any("error", v))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "create webhook pool")
	}
	return &WebhookDispatcher{pool: pool, client: &http.Client{Timeout: timeout}, timeout: timeout}, nil
}

// Attach subscribes the dispatcher to instance events.
func (d *WebhookDispatcher) Attach(bus EventBus.Bus) error {
	return bus.Subscribe(domain.TopicInstanceEvent, d.Dispatch)
}

// Dispatch queues the delivery of evt and never blocks the publisher.
func (d *WebhookDispatcher) Dispatch(evt domain.Event) {
	if evt.WebhookURL == "" {
		return
	}
	payload := domain.NewWebhookPayload(evt)
	target := evt.WebhookURL
	err := d.pool.Submit(func() {
		if err := d.Post(context.Background(), target, payload); err != nil {
			metrics.Incr("webhook_failures")
			zap.L().Warn("webhook: delivery failed",
				zap.String("namespace", "webhook"),
				zap.String("instance_id", payload.InstanceID),
				zap.String("event", payload.Event),
				zap.Error(err))
			return
		}
		metrics.Incr("webhook_deliveries")
	})
	if err != nil {
		metrics.Incr("webhook_dropped")
		zap.L().Warn("webhook: queue full, event dropped",
			zap.String("instance_id", payload.InstanceID), zap.String("event", payload.Event), zap.Error(err))
	}
}

// Post sends one payload synchronously.
func (d *WebhookDispatcher) Post(ctx context.Context, target string, payload domain.WebhookPayload) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	var code int
	err := gout.New(d.client).
		POST(target).
		WithContext(ctx).
		SetHeader(gout.H{"User-Agent": "toughwa-webhook"}).
		SetJSON(payload).
		Code(&code).
		Do()
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	if code < 200 || code >= 300 {
		return errors.Errorf("webhook returned status %d", code)
	}
	return nil
}

// Running is the number of deliveries in flight.
func (d *WebhookDispatcher) Running() int {
	return d.pool.Running()
}

func (d *WebhookDispatcher) Close() {
	d.pool.Release()
}
