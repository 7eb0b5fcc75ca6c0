// Package syncer keeps a client-side mirror of instance state in line with
// the server. Push events and polling both feed one actor per instance, so
// a late poll response never overwrites a newer pushed state.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/domain"
)

// Backend is the server capability the synchronizer talks to. Methods
// return domain.ErrNotFound when the server does not know the instance.
type Backend interface {
	GetStatus(ctx context.Context, id string) (domain.Instance, error)
	GetQR(ctx context.Context, id string) (string, error)
	// Reconnect forces a new pairing
	Reconnect(ctx context.Context, id string) error
	// Resume reopens the connection with the stored credentials
	Resume(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
}

type NoticeKind string

const (
	NoticeConnected    NoticeKind = "connected"
	NoticeDisconnected NoticeKind = "disconnected"
	NoticeReconnecting NoticeKind = "reconnecting"
	NoticeGaveUp       NoticeKind = "gave_up"
	NoticeStale        NoticeKind = "stale"
)

// Notice is a user-visible message about an instance.
type Notice struct {
	InstanceID string
	Kind       NoticeKind
	Message    string
	At         time.Time
}

// Notifier receives notices on the actor goroutine; it must not block.
type Notifier interface {
	Notify(n Notice)
}

type NotifierFunc func(n Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type Options struct {
	QRPollInterval     time.Duration
	StatusPollInterval time.Duration
	// GraceWindow follows every received QR; a disconnect reported while
	// qr_pending inside the window is ignored
	GraceWindow       time.Duration
	ReconnectDelay    time.Duration
	MaxAutoReconnects int
	// MaxNotFound bounds not-found responses tolerated during a manual reconnect
	MaxNotFound    int
	RequestTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		QRPollInterval:     2 * time.Second,
		StatusPollInterval: 5 * time.Second,
		GraceWindow:        30 * time.Second,
		ReconnectDelay:     3 * time.Second,
		MaxAutoReconnects:  3,
		MaxNotFound:        5,
		RequestTimeout:     10 * time.Second,
	}
}

// Mirror is the local belief about one instance.
type Mirror struct {
	InstanceID         string
	Status             domain.Status
	QR                 string
	Phone              string
	QRPolling          bool
	StatusPolling      bool
	Stale              bool
	AutoReconnectCount int
	// GraceActive is the qr_pending.graceWindow sub-state
	GraceActive       bool
	GraceUntil        time.Time
	ManualDisconnect  bool
	ReconnectInFlight bool
	NotFoundCount     int
	Version           uint64
}

// Synchronizer owns the mirrors of every tracked instance.
type Synchronizer struct {
	backend  Backend
	notifier Notifier
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
}

func New(backend Backend, notifier Notifier, opts Options) *Synchronizer {
	if notifier == nil {
		notifier = NotifierFunc(func(Notice) {})
	}
	def := DefaultOptions()
	if opts.QRPollInterval <= 0 {
		opts.QRPollInterval = def.QRPollInterval
	}
	if opts.StatusPollInterval <= 0 {
		opts.StatusPollInterval = def.StatusPollInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = def.GraceWindow
	}
	if opts.MaxAutoReconnects <= 0 {
		opts.MaxAutoReconnects = def.MaxAutoReconnects
	}
	if opts.MaxNotFound <= 0 {
		opts.MaxNotFound = def.MaxNotFound
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		backend:  backend,
		notifier: notifier,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		actors:   make(map[string]*actor),
	}
}

// Track starts mirroring id from an initial status, usually the one the
// list call returned. Tracking an id twice is a no-op.
func (s *Synchronizer) Track(id string, initial domain.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("synchronizer closed")
	}
	if _, ok := s.actors[id]; ok {
		return nil
	}
	if initial.Status == "" {
		initial.Status = domain.StatusConnecting
	}
	a := newActor(s, id)
	s.actors[id] = a
	go a.run()
	a.post(func() { a.seed(initial) })
	return nil
}

func (s *Synchronizer) get(id string) *actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actors[id]
}

// Push applies an event received on the push channel.
func (s *Synchronizer) Push(evt domain.Event) {
	a := s.get(evt.InstanceID)
	if a == nil {
		return
	}
	a.post(func() { a.onPush(evt) })
}

// Connect resumes a disconnected instance and lifts a manual disconnect.
func (s *Synchronizer) Connect(id string) error {
	a := s.get(id)
	if a == nil {
		return domain.ErrNotFound
	}
	a.post(a.connect)
	return nil
}

// Reconnect requests a new pairing.
func (s *Synchronizer) Reconnect(id string) error {
	a := s.get(id)
	if a == nil {
		return domain.ErrNotFound
	}
	a.post(a.reconnect)
	return nil
}

// Disconnect closes the instance and suppresses automatic reconnects
// until Connect or Reconnect.
func (s *Synchronizer) Disconnect(id string) error {
	a := s.get(id)
	if a == nil {
		return domain.ErrNotFound
	}
	a.post(a.disconnect)
	return nil
}

// Mirror returns a copy of the local state of id.
func (s *Synchronizer) Mirror(id string) (Mirror, bool) {
	a := s.get(id)
	if a == nil {
		return Mirror{}, false
	}
	return a.snapshot()
}

// Tracked lists the mirrored ids.
func (s *Synchronizer) Tracked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.actors))
	for id := range s.actors {
		ids = append(ids, id)
	}
	return ids
}

// Remove stops every timer of id and forgets its mirror.
func (s *Synchronizer) Remove(id string) {
	s.mu.Lock()
	a := s.actors[id]
	delete(s.actors, id)
	s.mu.Unlock()
	if a != nil {
		a.stop()
	}
}

func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	actors := s.actors
	s.actors = make(map[string]*actor)
	s.mu.Unlock()
	for _, a := range actors {
		a.stop()
	}
	s.cancel()
}
