package store

import (
	"context"

	"github.com/talkincode/toughwa/internal/domain"
)

// RegistryStore persists instance registry entries keyed by instance id.
type RegistryStore interface {
	// Put inserts or replaces an entry
	Put(ctx context.Context, rec *domain.InstanceRecord) error

	// Get retrieves an entry, domain.ErrNotFound when absent
	Get(ctx context.Context, id string) (*domain.InstanceRecord, error)

	// Delete removes an entry, domain.ErrNotFound when absent
	Delete(ctx context.Context, id string) error

	// List returns every entry ordered by creation time
	List(ctx context.Context) ([]*domain.InstanceRecord, error)
}

// CredentialStore persists the opaque pairing credentials of each instance.
type CredentialStore interface {
	// Load returns the stored blob, domain.ErrNotFound when absent
	Load(ctx context.Context, id string) ([]byte, error)

	// Save replaces the stored blob
	Save(ctx context.Context, id string, data []byte) error

	// Delete removes the blob; deleting a missing blob is not an error
	Delete(ctx context.Context, id string) error

	// List returns the ids that currently have credentials
	List(ctx context.Context) ([]string, error)
}

// Store bundles both repositories over one backing database.
type Store interface {
	Registry() RegistryStore
	Credentials() CredentialStore
	Close() error
}
