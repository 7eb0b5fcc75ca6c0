package session

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/engine"
	"github.com/talkincode/toughwa/internal/store"
	"github.com/talkincode/toughwa/pkg/common"
	"github.com/talkincode/toughwa/pkg/metrics"
	"go.uber.org/zap"
)

// CreateRequest is the input of CreateInstance.
type CreateRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	WebhookURL string `json:"webhook_url"`
	// Replace restarts an existing instance instead of rejecting the id
	Replace bool `json:"replace"`
}

// SendRequest is the input of SendMessage.
type SendRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

// instanceState is the authoritative in-memory state of one instance.
// Every field is guarded by Manager.mu.
type instanceState struct {
	id         string
	name       string
	webhookURL string
	createdAt  time.Time
	updatedAt  time.Time

	status            domain.Status
	qr                string
	phone             string
	pairingInProgress bool
	pairedAt          time.Time
	autoAttempts      int
	// credsSaved is set once the live connection reported persisted credentials
	credsSaved bool

	// live connection; gen changes on every attach/detach so updates from a
	// torn down handle are dropped
	handle     engine.Handle
	gen        uint64
	cancel     context.CancelFunc
	done       chan struct{}
	retryTimer *time.Timer
}

func (st *instanceState) snapshot() domain.Instance {
	return domain.Instance{
		ID:                st.id,
		Name:              st.name,
		WebhookURL:        st.webhookURL,
		Status:            st.status,
		QR:                st.qr,
		Phone:             st.phone,
		PairingInProgress: st.pairingInProgress,
		CreatedAt:         st.createdAt,
		UpdatedAt:         st.updatedAt,
	}
}

// setStatus applies a transition and keeps the qr/phone invariants.
func (st *instanceState) setStatus(s domain.Status) {
	if s != domain.StatusQRPending {
		st.qr = ""
	}
	if s != domain.StatusConnected {
		st.phone = ""
	}
	if st.status != s {
		metrics.Incr("session_transitions", "status", string(s))
	}
	st.status = s
	st.updatedAt = time.Now()
}

func (st *instanceState) stopRetry() {
	if st.retryTimer != nil {
		st.retryTimer.Stop()
		st.retryTimer = nil
	}
}

// Manager owns every instance, drives the engine and publishes events.
type Manager struct {
	engine   engine.Engine
	registry store.RegistryStore
	creds    store.CredentialStore
	bus      EventBus.Bus
	opts     Options
	policies []ClosePolicy

	mu           sync.Mutex
	instances    map[string]*instanceState
	reconnecting map[string]bool
	ops          map[string]*opEntry
	// repairs counts automatic re-pairings per id; it survives the
	// recreate and is cleared once the instance connects
	repairs map[string]int
	// gen is handed out to every attach and detach, never reused
	gen uint64

	stop     chan struct{}
	stopOnce sync.Once
}

func NewManager(eng engine.Engine, registry store.RegistryStore, creds store.CredentialStore, bus EventBus.Bus, opts Options) *Manager {
	if bus == nil {
		bus = EventBus.New()
	}
	return &Manager{
		engine:       eng,
		registry:     registry,
		creds:        creds,
		bus:          bus,
		opts:         opts,
		policies:     DefaultClosePolicies(),
		instances:    make(map[string]*instanceState),
		reconnecting: make(map[string]bool),
		ops:          make(map[string]*opEntry),
		repairs:      make(map[string]int),
		stop:         make(chan struct{}),
	}
}

// Bus returns the event bus the manager publishes on.
func (m *Manager) Bus() EventBus.Bus {
	return m.bus
}

type opEntry struct {
	mu   sync.Mutex
	refs int
}

// lockOp serialises teardown→recreate sequences of one id and returns the
// unlock function. Entries are dropped once nobody holds or waits for them.
func (m *Manager) lockOp(id string) func() {
	m.mu.Lock()
	e, ok := m.ops[id]
	if !ok {
		e = new(opEntry)
		m.ops[id] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.ops, id)
		}
		m.mu.Unlock()
	}
}

// nextGen returns a generation never used before. Caller holds m.mu.
func (m *Manager) nextGen() uint64 {
	m.gen++
	return m.gen
}

func (m *Manager) tryLockReconnect(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnecting[id] {
		return false
	}
	m.reconnecting[id] = true
	return true
}

func (m *Manager) unlockReconnect(id string) {
	m.mu.Lock()
	delete(m.reconnecting, id)
	m.mu.Unlock()
}

// ReconnectLocked reports whether a reconnect currently holds the id.
func (m *Manager) ReconnectLocked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnecting[id]
}

func (m *Manager) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.stop:
		return false
	}
}

func validateCreate(req *CreateRequest) error {
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = common.UUID()
	}
	if strings.ContainsAny(req.ID, "/ ") {
		return errors.Wrap(domain.ErrInvalidRequest, "id must not contain spaces or slashes")
	}
	if req.Name == "" {
		req.Name = req.ID
	}
	if req.WebhookURL != "" {
		u, err := url.Parse(req.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Wrap(domain.ErrInvalidRequest, "webhook_url must be an http(s) url")
		}
	}
	return nil
}

// CreateInstance registers the instance and starts a connection attempt.
// It returns as soon as the attempt is launched, with status connecting.
func (m *Manager) CreateInstance(ctx context.Context, req CreateRequest) (domain.Instance, error) {
	if err := validateCreate(&req); err != nil {
		return domain.Instance{}, err
	}
	if m.ReconnectLocked(req.ID) {
		return domain.Instance{}, domain.ErrReconnectInProgress
	}
	defer m.lockOp(req.ID)()

	m.mu.Lock()
	_, exists := m.instances[req.ID]
	busy := m.reconnecting[req.ID]
	m.mu.Unlock()
	if busy {
		return domain.Instance{}, domain.ErrReconnectInProgress
	}
	if exists && !req.Replace {
		return domain.Instance{}, domain.ErrDuplicateID
	}
	m.resetRepairs(req.ID)
	return m.create(ctx, req)
}

// create assumes the caller holds the op lock of req.ID.
func (m *Manager) create(ctx context.Context, req CreateRequest) (domain.Instance, error) {
	m.teardown(req.ID)

	creds, err := m.creds.Load(ctx, req.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		creds = nil
	case err != nil:
		return domain.Instance{}, err
	case !ValidCredentials(creds, m.opts.MinCredentialBytes):
		zap.L().Warn("session: discarding incomplete credentials",
			zap.String("namespace", "session"), zap.String("instance_id", req.ID), zap.Int("size", len(creds)))
		if err := m.creds.Delete(ctx, req.ID); err != nil {
			zap.L().Warn("session: delete credentials failed", zap.String("instance_id", req.ID), zap.Error(err))
		}
		creds = nil
	}

	rec := &domain.InstanceRecord{ID: req.ID, Name: req.Name, WebhookURL: req.WebhookURL}
	if old, err := m.registry.Get(ctx, req.ID); err == nil {
		rec.CreatedAt = old.CreatedAt
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := m.registry.Put(ctx, rec); err != nil {
		return domain.Instance{}, err
	}

	m.mu.Lock()
	st, ok := m.instances[req.ID]
	if !ok {
		st = &instanceState{id: req.ID}
		m.instances[req.ID] = st
	}
	st.name = req.Name
	st.webhookURL = req.WebhookURL
	st.createdAt = rec.CreatedAt
	st.pairingInProgress = false
	st.pairedAt = time.Time{}
	st.setStatus(domain.StatusConnecting)
	m.mu.Unlock()

	zap.L().Info("session: instance created",
		zap.String("namespace", "session"),
		zap.String("instance_id", req.ID),
		zap.Bool("has_credentials", creds != nil))

	return m.open(req.ID, creds)
}

// open attaches a new engine connection to an existing state.
func (m *Manager) open(id string, creds []byte) (domain.Instance, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h, err := m.engine.Open(ctx, engine.OpenRequest{InstanceID: id, Credentials: creds})
	if err != nil {
		cancel()
		m.mu.Lock()
		st := m.instances[id]
		var snap domain.Instance
		if st != nil {
			st.setStatus(domain.StatusError)
			snap = st.snapshot()
		}
		m.mu.Unlock()
		zap.L().Error("session: engine open failed", zap.String("instance_id", id), zap.Error(err))
		m.publish(domain.Event{Type: domain.EventError, InstanceID: id, Status: domain.StatusError, Error: err.Error()})
		m.publishStatus(id)
		return snap, errors.Wrap(err, "open connection")
	}

	m.mu.Lock()
	st := m.instances[id]
	if st == nil {
		// deleted while the engine was opening
		m.mu.Unlock()
		cancel()
		_ = h.Close()
		return domain.Instance{}, domain.ErrNotFound
	}
	gen := m.nextGen()
	st.gen = gen
	done := make(chan struct{})
	st.handle = h
	st.cancel = cancel
	st.done = done
	st.credsSaved = false
	st.setStatus(domain.StatusConnecting)
	snap := st.snapshot()
	m.mu.Unlock()

	go m.consume(ctx, id, gen, h, done)
	m.publishStatus(id)
	return snap, nil
}

// detach unhooks the live connection of st. Caller holds m.mu.
func (m *Manager) detach(st *instanceState) (engine.Handle, context.CancelFunc, chan struct{}) {
	h, cancel, done := st.handle, st.cancel, st.done
	st.handle, st.cancel, st.done = nil, nil, nil
	st.gen = m.nextGen()
	st.stopRetry()
	return h, cancel, done
}

// teardown removes the listener, closes the transport and waits for the
// drain interval so two engine sessions never share the credentials.
func (m *Manager) teardown(id string) {
	m.mu.Lock()
	st := m.instances[id]
	if st == nil {
		m.mu.Unlock()
		return
	}
	h, cancel, done := m.detach(st)
	m.mu.Unlock()
	if h == nil {
		return
	}
	m.closeHandle(id, h, cancel)
	if done != nil {
		select {
		case <-done:
		case <-time.After(m.opts.DrainInterval):
		}
	}
	m.sleep(m.opts.DrainInterval)
}

func (m *Manager) closeHandle(id string, h engine.Handle, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		zap.L().Warn("session: close connection failed", zap.String("instance_id", id), zap.Error(err))
	}
}

// ReconnectInstance forces a new pairing: the connection and the stored
// credentials are discarded and a fresh create cycle is started. A manual
// reconnect also restores the automatic repair budget.
func (m *Manager) ReconnectInstance(ctx context.Context, id string) (domain.Instance, error) {
	m.resetRepairs(id)
	return m.reconnect(ctx, id)
}

func (m *Manager) resetRepairs(id string) {
	m.mu.Lock()
	delete(m.repairs, id)
	m.mu.Unlock()
}

func (m *Manager) reconnect(ctx context.Context, id string) (domain.Instance, error) {
	if !m.tryLockReconnect(id) {
		return domain.Instance{}, domain.ErrReconnectInProgress
	}
	defer m.unlockReconnect(id)
	defer m.lockOp(id)()

	req, err := m.recreateRequest(ctx, id)
	if err != nil {
		return domain.Instance{}, err
	}
	zap.L().Info("session: reconnect with new pairing", zap.String("namespace", "session"), zap.String("instance_id", id))

	m.teardown(id)
	if err := m.creds.Delete(ctx, id); err != nil {
		zap.L().Warn("session: delete credentials failed", zap.String("instance_id", id), zap.Error(err))
	}
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()

	if !m.sleep(m.opts.SettleInterval) {
		return domain.Instance{}, errors.New("session manager stopped")
	}
	return m.create(ctx, req)
}

func (m *Manager) recreateRequest(ctx context.Context, id string) (CreateRequest, error) {
	m.mu.Lock()
	st := m.instances[id]
	if st != nil {
		req := CreateRequest{ID: id, Name: st.name, WebhookURL: st.webhookURL}
		m.mu.Unlock()
		return req, nil
	}
	m.mu.Unlock()
	rec, err := m.registry.Get(ctx, id)
	if err != nil {
		return CreateRequest{}, err
	}
	return CreateRequest{ID: id, Name: rec.Name, WebhookURL: rec.WebhookURL}, nil
}

// ReconnectWithoutDeletingSession reopens the connection with the stored
// credentials. Credentials that fail the completeness check are discarded
// and the reopen becomes a fresh pairing.
func (m *Manager) ReconnectWithoutDeletingSession(ctx context.Context, id string) (domain.Instance, error) {
	if !m.tryLockReconnect(id) {
		return domain.Instance{}, domain.ErrReconnectInProgress
	}
	defer m.unlockReconnect(id)
	defer m.lockOp(id)()

	m.mu.Lock()
	_, ok := m.instances[id]
	m.mu.Unlock()
	if !ok {
		return domain.Instance{}, domain.ErrNotFound
	}

	m.teardown(id)
	if !m.sleep(m.opts.SettleInterval) {
		return domain.Instance{}, errors.New("session manager stopped")
	}

	creds, err := m.creds.Load(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Instance{}, err
	}
	if creds != nil && !ValidCredentials(creds, m.opts.MinCredentialBytes) {
		zap.L().Warn("session: stored credentials incomplete, pairing again", zap.String("instance_id", id))
		_ = m.creds.Delete(ctx, id)
		creds = nil
	}

	m.mu.Lock()
	st, ok := m.instances[id]
	if ok {
		st.setStatus(domain.StatusConnecting)
	}
	m.mu.Unlock()
	if !ok {
		return domain.Instance{}, domain.ErrNotFound
	}
	zap.L().Info("session: resuming connection",
		zap.String("namespace", "session"), zap.String("instance_id", id), zap.Bool("has_credentials", creds != nil))
	return m.open(id, creds)
}

// DisconnectInstance closes the live connection but keeps the registry
// entry and the credentials. No automatic retry follows.
func (m *Manager) DisconnectInstance(ctx context.Context, id string) (domain.Instance, error) {
	defer m.lockOp(id)()

	m.mu.Lock()
	_, ok := m.instances[id]
	m.mu.Unlock()
	if !ok {
		return domain.Instance{}, domain.ErrNotFound
	}
	m.teardown(id)

	m.mu.Lock()
	st, ok := m.instances[id]
	var snap domain.Instance
	if ok {
		st.pairingInProgress = false
		st.setStatus(domain.StatusDisconnected)
		snap = st.snapshot()
	}
	m.mu.Unlock()
	if !ok {
		return domain.Instance{}, domain.ErrNotFound
	}
	m.publishStatus(id)
	return snap, nil
}

// DeleteInstance removes the connection, the credentials and the registry
// entry. Subscribers are pruned before teardown and hear nothing further.
func (m *Manager) DeleteInstance(ctx context.Context, id string) error {
	defer m.lockOp(id)()

	m.mu.Lock()
	_, live := m.instances[id]
	m.mu.Unlock()
	_, regErr := m.registry.Get(ctx, id)
	if !live && errors.Is(regErr, domain.ErrNotFound) {
		return domain.ErrNotFound
	}

	m.bus.Publish(domain.TopicInstanceDeleted, id)

	m.mu.Lock()
	var h engine.Handle
	var cancel context.CancelFunc
	if st := m.instances[id]; st != nil {
		h, cancel, _ = m.detach(st)
		delete(m.instances, id)
	}
	delete(m.reconnecting, id)
	delete(m.repairs, id)
	m.mu.Unlock()
	m.closeHandle(id, h, cancel)

	if err := m.creds.Delete(ctx, id); err != nil {
		zap.L().Warn("session: delete credentials failed", zap.String("instance_id", id), zap.Error(err))
	}
	if err := m.registry.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	zap.L().Info("session: instance deleted", zap.String("namespace", "session"), zap.String("instance_id", id))
	return nil
}

// SendMessage delivers content through the live connection of id.
func (m *Manager) SendMessage(ctx context.Context, id string, req SendRequest) (string, error) {
	if strings.TrimSpace(req.To) == "" || req.Content == "" {
		return "", errors.Wrap(domain.ErrInvalidRequest, "to and content are required")
	}
	if req.Kind == "" {
		req.Kind = "text"
	}
	m.mu.Lock()
	st := m.instances[id]
	if st == nil {
		m.mu.Unlock()
		return "", domain.ErrNotFound
	}
	h := st.handle
	if st.status != domain.StatusConnected || h == nil {
		status := st.status
		m.mu.Unlock()
		return "", errors.Wrapf(domain.ErrNotConnected, "status is %s", status)
	}
	m.mu.Unlock()

	msgID, err := h.Send(ctx, req.To, req.Content, req.Kind)
	if err != nil {
		zap.L().Warn("session: send message failed", zap.String("instance_id", id), zap.Error(err))
		return "", err
	}
	metrics.Incr("session_messages_sent")
	zap.L().Info("session: message sent", zap.String("instance_id", id), zap.String("to", req.To), zap.String("message_id", msgID))
	return msgID, nil
}

// GetInstance returns a snapshot of one instance.
func (m *Manager) GetInstance(id string) (domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.instances[id]
	if st == nil {
		return domain.Instance{}, domain.ErrNotFound
	}
	return st.snapshot(), nil
}

// GetAllInstances returns snapshots ordered by creation time.
func (m *Manager) GetAllInstances() []domain.Instance {
	m.mu.Lock()
	out := make([]domain.Instance, 0, len(m.instances))
	for _, st := range m.instances {
		out = append(out, st.snapshot())
	}
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CountByStatus is used by the periodic metrics job.
func (m *Manager) CountByStatus() map[domain.Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.Status]int)
	for _, st := range m.instances {
		out[st.status]++
	}
	return out
}

// Restore recreates every registry entry after a process restart. Status
// always starts at connecting.
func (m *Manager) Restore(ctx context.Context) error {
	recs, err := m.registry.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		req := CreateRequest{ID: rec.ID, Name: rec.Name, WebhookURL: rec.WebhookURL, Replace: true}
		if _, err := m.CreateInstance(ctx, req); err != nil {
			zap.L().Warn("session: restore instance failed", zap.String("instance_id", rec.ID), zap.Error(err))
		}
	}
	zap.L().Info("session: registry restored", zap.String("namespace", "session"), zap.Int("count", len(recs)))
	return nil
}

// SweepOrphanCredentials deletes credential blobs that have no registry entry.
func (m *Manager) SweepOrphanCredentials(ctx context.Context) (int, error) {
	ids, err := m.creds.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if _, err := m.registry.Get(ctx, id); errors.Is(err, domain.ErrNotFound) {
			if err := m.creds.Delete(ctx, id); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Shutdown closes every live connection without touching storage.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	type live struct {
		id     string
		h      engine.Handle
		cancel context.CancelFunc
	}
	var lives []live
	m.mu.Lock()
	for id, st := range m.instances {
		h, cancel, _ := m.detach(st)
		lives = append(lives, live{id, h, cancel})
	}
	m.mu.Unlock()
	for _, l := range lives {
		m.closeHandle(l.id, l.h, l.cancel)
	}
	zap.L().Info("session: manager stopped", zap.Int("closed", len(lives)))
}

func (m *Manager) publish(evt domain.Event) {
	m.mu.Lock()
	st := m.instances[evt.InstanceID]
	if st == nil {
		m.mu.Unlock()
		return
	}
	evt.WebhookURL = st.webhookURL
	m.mu.Unlock()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.bus.Publish(domain.TopicInstanceEvent, evt)
}

// publishStatus publishes the current status of id.
func (m *Manager) publishStatus(id string) {
	m.mu.Lock()
	st := m.instances[id]
	if st == nil {
		m.mu.Unlock()
		return
	}
	evt := domain.Event{Type: domain.EventStatus, InstanceID: id, Status: st.status, Phone: st.phone}
	m.mu.Unlock()
	m.publish(evt)
}
