package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/domain"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketInstances   = []byte("instances")
	bucketCredentials = []byte("credentials")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BoltStore keeps the registry and the credentials in one bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database file and its buckets.
func OpenBolt(file string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return nil, errors.Wrap(err, "create bolt dir")
	}
	db, err := bolt.Open(file, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt %s", file)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketInstances, bucketCredentials} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init bolt buckets")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Registry() RegistryStore { return &boltRegistry{db: s.db} }
func (s *BoltStore) Credentials() CredentialStore { return &boltCredentials{db: s.db} }
func (s *BoltStore) Close() error { return s.db.Close() }

type boltRegistry struct {
	db *bolt.DB
}

func (r *boltRegistry) Put(_ context.Context, rec *domain.InstanceRecord) error {
	if rec == nil || rec.ID == "" {
		return domain.ErrInvalidRequest
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode instance record")
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Put([]byte(rec.ID), data)
	})
	return errors.Wrapf(err, "put instance %s", rec.ID)
}

func (r *boltRegistry) Get(_ context.Context, id string) (*domain.InstanceRecord, error) {
	var rec *domain.InstanceRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstances).Get([]byte(id))
		if data == nil {
			return domain.ErrNotFound
		}
		rec = new(domain.InstanceRecord)
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "get instance %s", id)
	}
	return rec, nil
}

func (r *boltRegistry) Delete(_ context.Context, id string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		if b.Get([]byte(id)) == nil {
			return domain.ErrNotFound
		}
		return b.Delete([]byte(id))
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return errors.Wrapf(err, "delete instance %s", id)
	}
	return err
}

func (r *boltRegistry) List(_ context.Context) ([]*domain.InstanceRecord, error) {
	var out []*domain.InstanceRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(_, v []byte) error {
			rec := new(domain.InstanceRecord)
			if err := json.Unmarshal(v, rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "list instances")
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type boltCredentials struct {
	db *bolt.DB
}

func (c *boltCredentials) Load(_ context.Context, id string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get([]byte(id))
		if data == nil {
			return domain.ErrNotFound
		}
		// bbolt values are only valid inside the transaction
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

func (c *boltCredentials) Save(_ context.Context, id string, data []byte) error {
	if id == "" {
		return domain.ErrInvalidRequest
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Put([]byte(id), data)
	})
	return errors.Wrapf(err, "save credentials %s", id)
}

func (c *boltCredentials) Delete(_ context.Context, id string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete([]byte(id))
	})
	return errors.Wrapf(err, "delete credentials %s", id)
}

func (c *boltCredentials) List(_ context.Context) ([]string, error) {
	var ids []string
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, errors.Wrap(err, "list credentials")
}
