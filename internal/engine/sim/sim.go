// Package sim is an in-process protocol engine. It pairs, drops and
// delivers messages on command, which makes it usable both as the
// development engine and as the engine behind tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/engine"
	"github.com/talkincode/toughwa/pkg/common"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("sim: connection closed")

// Options drive the automatic behaviour used in development mode.
// The zero value emits nothing on its own.
type Options struct {
	// AutoQR emits a QR as soon as a connection without credentials opens
	AutoQR bool
	// AutoPairAfter pairs a QR-pending connection after the delay (0 disables)
	AutoPairAfter time.Duration
	// PhonePrefix is used to derive the phone of auto-paired sessions
	PhonePrefix string
}

// Engine implements engine.Engine.
type Engine struct {
	opts     Options
	mu       sync.Mutex
	sessions map[string][]*Session
	opens    map[string]int
}

var _ engine.Engine = (*Engine)(nil)

func New(opts Options) *Engine {
	if opts.PhonePrefix == "" {
		opts.PhonePrefix = "62800"
	}
	return &Engine{opts: opts, sessions: make(map[string][]*Session), opens: make(map[string]int)}
}

func (e *Engine) Open(_ context.Context, req engine.OpenRequest) (engine.Handle, error) {
	if req.InstanceID == "" {
		return nil, errors.New("sim: instance id required")
	}
	s := &Session{
		instanceID:  req.InstanceID,
		credentials: append([]byte(nil), req.Credentials...),
		updates:     make(chan engine.Update, 64),
		done:        make(chan struct{}),
	}
	e.mu.Lock()
	e.sessions[req.InstanceID] = append(e.sessions[req.InstanceID], s)
	e.opens[req.InstanceID]++
	e.mu.Unlock()

	if phone := IdentityOf(req.Credentials); phone != "" {
		// resume with stored credentials
		go func() {
			time.Sleep(5 * time.Millisecond)
			s.emit(engine.Update{Kind: engine.UpdateOpen, Identity: phone})
		}()
		return s, nil
	}
	if e.opts.AutoQR {
		go e.autoPair(s)
	}
	return s, nil
}

func (e *Engine) autoPair(s *Session) {
	s.EmitQR(fmt.Sprintf("2@%s,%s", s.instanceID, common.UUID()))
	if e.opts.AutoPairAfter <= 0 {
		return
	}
	select {
	case <-s.done:
	case <-time.After(e.opts.AutoPairAfter):
		phone := e.opts.PhonePrefix + strings.TrimLeft(common.UUID(), "0")[:8]
		s.Pair(phone)
	}
}

// Session returns the most recently opened connection for the id.
func (e *Engine) Session(id string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.sessions[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// LiveCount is the number of connections for the id that are not closed.
func (e *Engine) LiveCount(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.sessions[id] {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// Opens is the number of Open calls seen for the id.
func (e *Engine) Opens(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens[id]
}

// Session is one simulated connection; it implements engine.Handle.
type Session struct {
	instanceID  string
	credentials []byte

	mu      sync.Mutex
	closed  bool
	updates chan engine.Update
	done    chan struct{}
	sent    []string
}

var _ engine.Handle = (*Session)(nil)

func (s *Session) Updates() <-chan engine.Update { return s.updates }

func (s *Session) Send(_ context.Context, to, content, kind string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	s.sent = append(s.sent, to+"|"+kind+"|"+content)
	return common.UUID(), nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	close(s.updates)
	return nil
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sent returns the messages sent through this connection as to|kind|content.
func (s *Session) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// HadCredentials reports whether the connection was opened with credentials.
func (s *Session) HadCredentials() bool {
	return len(s.credentials) > 0
}

func (s *Session) emit(u engine.Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.updates <- u:
		return true
	default:
		zap.L().Warn("sim: update buffer full, dropping update",
			zap.String("instance_id", s.instanceID), zap.String("kind", string(u.Kind)))
		return false
	}
}

func (s *Session) EmitQR(code string) bool {
	return s.emit(engine.Update{Kind: engine.UpdateQR, QR: code})
}

// Pair simulates a completed QR scan: credentials are reported first,
// then the connection opens with the resolved phone.
func (s *Session) Pair(phone string) bool {
	if !s.emit(engine.Update{Kind: engine.UpdateCredentials, Credentials: NewCredentials(phone)}) {
		return false
	}
	return s.emit(engine.Update{Kind: engine.UpdateOpen, Identity: phone})
}

// Open reports the connection open without a credentials update.
func (s *Session) Open(phone string) bool {
	return s.emit(engine.Update{Kind: engine.UpdateOpen, Identity: phone})
}

// WriteCredentials reports an arbitrary credentials blob.
func (s *Session) WriteCredentials(data []byte) bool {
	return s.emit(engine.Update{Kind: engine.UpdateCredentials, Credentials: data})
}

func (s *Session) Drop(reason engine.CloseReason, code int) bool {
	return s.emit(engine.Update{Kind: engine.UpdateClose, Cause: engine.CloseCause{Reason: reason, Code: code}})
}

func (s *Session) Deliver(from, content string) bool {
	return s.emit(engine.Update{Kind: engine.UpdateMessage, Message: &domain.InboundMessage{
		ID: common.UUID(), From: from, Content: content, Kind: "text",
	}})
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NewCredentials builds a structurally complete credentials blob for phone.
func NewCredentials(phone string) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"me":                map[string]string{"id": phone + ":1@s.whatsapp.net", "name": "sim"},
		"noiseKey":          map[string]string{"private": common.UUID(), "public": common.UUID()},
		"signedIdentityKey": map[string]string{"private": common.UUID(), "public": common.UUID()},
		"registrationId":    common.UUIDint64() % 16380,
	})
	return data
}

// IdentityOf extracts the phone from a blob built by NewCredentials.
func IdentityOf(creds []byte) string {
	if len(creds) == 0 {
		return ""
	}
	id := jsoniter.Get(creds, "me", "id").ToString()
	if id == "" {
		return ""
	}
	if i := strings.IndexAny(id, ":@"); i > 0 {
		return id[:i]
	}
	return id
}
