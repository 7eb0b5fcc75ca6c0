package domain

import "time"

// EventType is the push channel discriminator.
type EventType string

const (
	EventQR      EventType = "qr"
	EventStatus  EventType = "status"
	EventMessage EventType = "message"
	EventError   EventType = "error"
)

// Bus topics shared by the session manager and its subscribers.
const (
	TopicInstanceEvent   = "instance:event"
	TopicInstanceDeleted = "instance:deleted"
)

// InboundMessage is a message the engine received for an instance.
type InboundMessage struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

// Event is what subscribers of an instance receive.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instanceId"`
	Status     Status          `json:"status,omitempty"`
	QR         string          `json:"qr,omitempty"`
	Phone      string          `json:"phone,omitempty"`
	Message    *InboundMessage `json:"message,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`

	// WebhookURL is the delivery target captured at publish time.
	WebhookURL string `json:"-"`
}

// WebhookName is the event label used in webhook payloads.
func (e Event) WebhookName() string {
	if e.Type == EventStatus && e.Status != "" {
		return string(e.Status)
	}
	return string(e.Type)
}

// WebhookPayload is the JSON body posted to an instance webhook.
type WebhookPayload struct {
	InstanceID string      `json:"instanceId"`
	Event      string      `json:"event"`
	Data       interface{} `json:"data"`
}

func NewWebhookPayload(e Event) WebhookPayload {
	data := map[string]interface{}{
		"timestamp": e.Timestamp,
	}
	if e.Status != "" {
		data["status"] = e.Status
	}
	if e.QR != "" {
		data["qr"] = e.QR
	}
	if e.Phone != "" {
		data["phone"] = e.Phone
	}
	if e.Message != nil {
		data["message"] = e.Message
	}
	if e.Error != "" {
		data["error"] = e.Error
	}
	return WebhookPayload{InstanceID: e.InstanceID, Event: e.WebhookName(), Data: data}
}
