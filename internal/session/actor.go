package session

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/engine"
	"github.com/talkincode/toughwa/pkg/metrics"
	"go.uber.org/zap"
)

// consume processes the updates of one connection in order. Updates from a
// connection whose generation is no longer current are dropped.
func (m *Manager) consume(ctx context.Context, id string, gen uint64, h engine.Handle, done chan struct{}) {
	defer close(done)
	defer func() {
		if err := recover(); err != nil {
			zap.L().Error("session: update consumer panic",
				zap.String("instance_id", id),
				zap.Any("error", err),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	updates := h.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				m.handleUpdate(id, gen, engine.Update{
					Kind:  engine.UpdateClose,
					Cause: engine.CloseCause{Reason: engine.ReasonOther, Message: "update stream ended"},
				})
				return
			}
			m.handleUpdate(id, gen, u)
		}
	}
}

// current returns the state of id when gen is still its live generation.
// Caller holds m.mu.
func (m *Manager) current(id string, gen uint64) *instanceState {
	st := m.instances[id]
	if st == nil || st.gen != gen || st.handle == nil {
		return nil
	}
	return st
}

func (m *Manager) handleUpdate(id string, gen uint64, u engine.Update) {
	switch u.Kind {
	case engine.UpdateQR:
		m.onQR(id, gen, u.QR)
	case engine.UpdateCredentials:
		m.onCredentials(id, gen, u.Credentials)
	case engine.UpdateOpen:
		m.onOpen(id, gen, u.Identity)
	case engine.UpdateMessage:
		m.onMessage(id, gen, u.Message)
	case engine.UpdateClose:
		m.onClose(id, gen, u.Cause)
	default:
		zap.L().Debug("session: unknown update", zap.String("instance_id", id), zap.String("kind", string(u.Kind)))
	}
}

func (m *Manager) onQR(id string, gen uint64, qr string) {
	m.mu.Lock()
	st := m.current(id, gen)
	if st == nil {
		m.mu.Unlock()
		return
	}
	st.setStatus(domain.StatusQRPending)
	st.qr = qr
	st.pairingInProgress = true
	m.mu.Unlock()

	zap.L().Info("session: qr received", zap.String("namespace", "session"), zap.String("instance_id", id))
	m.publish(domain.Event{Type: domain.EventQR, InstanceID: id, Status: domain.StatusQRPending, QR: qr})
}

func (m *Manager) onCredentials(id string, gen uint64, data []byte) {
	m.mu.Lock()
	live := m.current(id, gen) != nil
	m.mu.Unlock()
	if !live || len(data) == 0 {
		return
	}
	if err := m.creds.Save(context.Background(), id, data); err != nil {
		zap.L().Error("session: save credentials failed", zap.String("instance_id", id), zap.Error(err))
		return
	}
	m.mu.Lock()
	if st := m.current(id, gen); st != nil {
		st.credsSaved = true
		if st.status == domain.StatusConnected {
			st.pairingInProgress = false
		}
	}
	m.mu.Unlock()
	zap.L().Debug("session: credentials saved", zap.String("instance_id", id), zap.Int("size", len(data)))
}

type evicted struct {
	id     string
	h      engine.Handle
	cancel context.CancelFunc
}

// onOpen marks the instance connected. Any other instance connected with the
// same phone is detached in the same critical section, so two concurrent
// opens can never both end up connected.
func (m *Manager) onOpen(id string, gen uint64, phone string) {
	var victims []evicted
	m.mu.Lock()
	st := m.current(id, gen)
	if st == nil {
		m.mu.Unlock()
		return
	}
	if phone != "" {
		for oid, other := range m.instances {
			if oid == id || other.status != domain.StatusConnected || other.phone != phone {
				continue
			}
			h, cancel, _ := m.detach(other)
			other.pairingInProgress = false
			other.setStatus(domain.StatusDisconnected)
			victims = append(victims, evicted{oid, h, cancel})
		}
	}
	if st.pairingInProgress {
		st.pairedAt = time.Now()
	}
	// pairing is complete only once the credentials are persisted
	if st.credsSaved {
		st.pairingInProgress = false
	}
	st.autoAttempts = 0
	delete(m.repairs, id)
	st.setStatus(domain.StatusConnected)
	st.phone = phone
	m.mu.Unlock()

	m.evict(id, phone, victims)
	zap.L().Info("session: connected",
		zap.String("namespace", "session"), zap.String("instance_id", id), zap.String("phone", phone))
	m.publish(domain.Event{Type: domain.EventStatus, InstanceID: id, Status: domain.StatusConnected, Phone: phone})
}

// evict closes the connections taken from instances that lost their phone
// to id and discards their credentials.
func (m *Manager) evict(id, phone string, victims []evicted) {
	for _, v := range victims {
		zap.L().Warn("session: phone connected on another instance, disconnecting",
			zap.String("namespace", "session"),
			zap.String("instance_id", v.id),
			zap.String("replaced_by", id),
			zap.String("phone", phone))
		metrics.Incr("session_phone_evictions")
		m.closeHandle(v.id, v.h, v.cancel)
		if err := m.creds.Delete(context.Background(), v.id); err != nil {
			zap.L().Warn("session: delete credentials failed", zap.String("instance_id", v.id), zap.Error(err))
		}
		m.publishStatus(v.id)
	}
}

func (m *Manager) onMessage(id string, gen uint64, msg *domain.InboundMessage) {
	if msg == nil {
		return
	}
	m.mu.Lock()
	live := m.current(id, gen) != nil
	m.mu.Unlock()
	if !live {
		return
	}
	metrics.Incr("session_messages_received")
	m.publish(domain.Event{Type: domain.EventMessage, InstanceID: id, Message: msg})
}

func (m *Manager) onClose(id string, gen uint64, cause engine.CloseCause) {
	m.mu.Lock()
	st := m.current(id, gen)
	if st == nil {
		m.mu.Unlock()
		return
	}
	if m.reconnecting[id] {
		m.mu.Unlock()
		zap.L().Info("session: close ignored, reconnect in progress",
			zap.String("instance_id", id), zap.Stringer("cause", cause))
		return
	}
	fresh := st.pairingInProgress ||
		(!st.pairedAt.IsZero() && time.Since(st.pairedAt) < m.opts.FreshPairingWindow)
	cctx := &CloseContext{
		InstanceID:   id,
		Cause:        cause,
		Status:       st.status,
		FreshPairing: fresh,
		credentialsValid: func() bool {
			data, err := m.creds.Load(context.Background(), id)
			return err == nil && ValidCredentials(data, m.opts.MinCredentialBytes)
		},
	}
	m.mu.Unlock()

	// the chain may load credentials, keep it outside the lock
	policy, decision := classify(m.policies, cctx)
	zap.L().Info("session: connection closed",
		zap.String("namespace", "session"),
		zap.String("instance_id", id),
		zap.Stringer("cause", cause),
		zap.String("policy", policy.Name()),
		zap.Stringer("decision", decision),
		zap.Bool("fresh_pairing", fresh))
	metrics.Incr("session_close_decisions", "decision", decision.String())

	switch decision {
	case DecisionTerminal:
		m.terminate(id, gen, cause)
	case DecisionRepair:
		if !m.spendRepair(id, gen, cause) {
			return
		}
		go func() {
			if _, err := m.reconnect(context.Background(), id); err != nil {
				zap.L().Warn("session: repair failed", zap.String("instance_id", id), zap.Error(err))
			}
		}()
	case DecisionResume:
		if !m.spendAttempt(id, gen, cause) {
			return
		}
		go func() {
			if _, err := m.ReconnectWithoutDeletingSession(context.Background(), id); err != nil {
				zap.L().Warn("session: resume failed", zap.String("instance_id", id), zap.Error(err))
			}
		}()
	case DecisionRetry:
		m.retryLater(id, gen, cause)
	}
}

// terminate ends the session and discards its credentials. Subscribers hear
// the disconnected status before the credentials are gone.
func (m *Manager) terminate(id string, gen uint64, cause engine.CloseCause) {
	m.mu.Lock()
	st := m.current(id, gen)
	if st == nil {
		m.mu.Unlock()
		return
	}
	h, cancel, _ := m.detach(st)
	st.pairingInProgress = false
	st.pairedAt = time.Time{}
	st.setStatus(domain.StatusDisconnected)
	m.mu.Unlock()

	m.publish(domain.Event{Type: domain.EventStatus, InstanceID: id, Status: domain.StatusDisconnected, Error: cause.String()})
	m.closeHandle(id, h, cancel)
	if err := m.creds.Delete(context.Background(), id); err != nil {
		zap.L().Warn("session: delete credentials failed", zap.String("instance_id", id), zap.Error(err))
	}
}

// spendAttempt counts one automatic resume. When the budget is exhausted the
// instance moves to error and false is returned.
func (m *Manager) spendAttempt(id string, gen uint64, cause engine.CloseCause) bool {
	m.mu.Lock()
	st := m.current(id, gen)
	if st == nil {
		m.mu.Unlock()
		return false
	}
	if st.autoAttempts >= m.opts.MaxAutoReconnects {
		m.giveUpLocked(id, st, "reconnect", st.autoAttempts, cause)
		return false
	}
	st.autoAttempts++
	m.mu.Unlock()
	return true
}

// spendRepair counts one automatic re-pairing. The count is kept on the
// manager because a repair replaces the instance state.
func (m *Manager) spendRepair(id string, gen uint64, cause engine.CloseCause) bool {
	m.mu.Lock()
	st := m.current(id, gen)
	if st == nil {
		m.mu.Unlock()
		return false
	}
	if n := m.repairs[id]; n >= m.opts.MaxAutoReconnects {
		m.giveUpLocked(id, st, "repair", n, cause)
		return false
	}
	m.repairs[id]++
	m.mu.Unlock()
	return true
}

// giveUpLocked moves st to error and surfaces the failure. Caller holds
// m.mu; it is released before the connection is closed.
func (m *Manager) giveUpLocked(id string, st *instanceState, what string, attempts int, cause engine.CloseCause) {
	h, cancel, _ := m.detach(st)
	st.pairingInProgress = false
	st.setStatus(domain.StatusError)
	m.mu.Unlock()

	msg := fmt.Sprintf("automatic %s budget exhausted after %d attempts: %s", what, attempts, cause)
	zap.L().Error("session: giving up", zap.String("namespace", "session"), zap.String("instance_id", id), zap.String("reason", msg))
	metrics.Incr("session_give_ups", "kind", what)
	m.closeHandle(id, h, cancel)
	m.publish(domain.Event{Type: domain.EventError, InstanceID: id, Status: domain.StatusError, Error: msg})
	m.publishStatus(id)
}

// retryLater marks the instance disconnected and schedules one resume.
func (m *Manager) retryLater(id string, gen uint64, cause engine.CloseCause) {
	if !m.spendAttempt(id, gen, cause) {
		return
	}
	m.mu.Lock()
	st := m.current(id, gen)
	if st == nil {
		m.mu.Unlock()
		return
	}
	h, cancel, _ := m.detach(st)
	st.pairingInProgress = false
	st.setStatus(domain.StatusDisconnected)
	st.retryTimer = time.AfterFunc(m.opts.AutoReconnectDelay, func() {
		_, err := m.ReconnectWithoutDeletingSession(context.Background(), id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			zap.L().Warn("session: scheduled resume failed", zap.String("instance_id", id), zap.Error(err))
		}
	})
	m.mu.Unlock()

	m.publish(domain.Event{Type: domain.EventStatus, InstanceID: id, Status: domain.StatusDisconnected, Error: cause.String()})
	m.closeHandle(id, h, cancel)
}
