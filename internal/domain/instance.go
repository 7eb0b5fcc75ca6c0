package domain

import "time"

// Status is the authoritative connection state of an instance.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusQRPending    Status = "qr_pending"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusConnecting, StatusQRPending, StatusConnected, StatusDisconnected, StatusError:
		return true
	}
	return false
}

// Instance is a read-only snapshot of one device session.
type Instance struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	WebhookURL        string    `json:"webhook_url,omitempty"`
	Status            Status    `json:"status"`
	QR                string    `json:"qr,omitempty"`
	Phone             string    `json:"phone,omitempty"`
	PairingInProgress bool      `json:"pairing_in_progress"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// InstanceRecord is the registry entry persisted independently of the live
// connection state. Status is deliberately absent.
type InstanceRecord struct {
	ID         string    `json:"id" gorm:"primaryKey;size:64"`
	Name       string    `json:"name"`
	WebhookURL string    `json:"webhook_url"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (InstanceRecord) TableName() string {
	return "wa_instance"
}

// CredentialRecord holds the opaque pairing credentials of one instance.
type CredentialRecord struct {
	InstanceID string    `gorm:"primaryKey;size:64"`
	Data       []byte    `gorm:"type:bytea"`
	UpdatedAt  time.Time
}

func (CredentialRecord) TableName() string {
	return "wa_credential"
}
