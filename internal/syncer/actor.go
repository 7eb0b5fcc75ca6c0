package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/domain"
	"go.uber.org/zap"
)

// actor serialises every mutation of one mirror. Fields below inbox are
// only touched on the actor goroutine.
type actor struct {
	s     *Synchronizer
	id    string
	inbox chan func()
	quit  chan struct{}
	exit  chan struct{}
	once  sync.Once

	m Mirror

	qrTimer     *time.Timer
	statusTimer *time.Timer
	graceTimer  *time.Timer
	retryTimer  *time.Timer
	qrInFlight  bool
	stInFlight  bool
	retry       *backoff.ExponentialBackOff
}

func newActor(s *Synchronizer, id string) *actor {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ReconnectDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = s.opts.ReconnectDelay * 8
	b.MaxElapsedTime = 0
	b.Reset()
	return &actor{
		s:     s,
		id:    id,
		inbox: make(chan func(), 64),
		quit:  make(chan struct{}),
		exit:  make(chan struct{}),
		m:     Mirror{InstanceID: id, Status: domain.StatusConnecting},
		retry: b,
	}
}

func (a *actor) run() {
	defer close(a.exit)
	defer a.stopTimers()
	for {
		select {
		case <-a.quit:
			return
		case fn := <-a.inbox:
			fn()
		}
	}
}

// post queues fn on the actor; false once the actor stopped.
func (a *actor) post(fn func()) bool {
	select {
	case <-a.quit:
		return false
	default:
	}
	select {
	case a.inbox <- fn:
		return true
	case <-a.quit:
		return false
	}
}

func (a *actor) stop() {
	a.once.Do(func() { close(a.quit) })
	<-a.exit
}

func (a *actor) snapshot() (Mirror, bool) {
	out := make(chan Mirror, 1)
	if !a.post(func() { out <- a.m }) {
		return Mirror{}, false
	}
	select {
	case m := <-out:
		return m, true
	case <-a.exit:
		return Mirror{}, false
	}
}

func (a *actor) notify(kind NoticeKind, msg string) {
	a.s.notifier.Notify(Notice{InstanceID: a.id, Kind: kind, Message: msg, At: time.Now()})
}

func (a *actor) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { a.post(fn) })
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (a *actor) stopTimers() {
	stopTimer(&a.qrTimer)
	stopTimer(&a.statusTimer)
	stopTimer(&a.graceTimer)
	stopTimer(&a.retryTimer)
}

func (a *actor) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(a.s.ctx, a.s.opts.RequestTimeout)
}

// changed marks the mirror as updated so in-flight poll results are dropped.
func (a *actor) changed() {
	a.m.Version++
}

// seed applies the state the caller already knows without raising notices.
func (a *actor) seed(inst domain.Instance) {
	switch inst.Status {
	case domain.StatusConnected:
		a.m.Status = domain.StatusConnected
		a.m.Phone = inst.Phone
		a.startStatusPolling()
	case domain.StatusQRPending:
		a.onQR(inst.QR)
		a.onStatus(domain.StatusQRPending, "")
	case domain.StatusDisconnected, domain.StatusError:
		a.m.Status = inst.Status
	default:
		a.onStatus(domain.StatusConnecting, "")
	}
}

// push channel

func (a *actor) onPush(evt domain.Event) {
	a.changed()
	if a.m.Stale {
		// the server knows the instance again
		a.m.Stale = false
		a.m.NotFoundCount = 0
	}
	switch evt.Type {
	case domain.EventQR:
		a.onQR(evt.QR)
	case domain.EventStatus:
		a.onStatus(evt.Status, evt.Phone)
	case domain.EventError:
		a.onStatus(domain.StatusError, "")
	}
}

// onQR records a QR from either channel and opens the grace window.
func (a *actor) onQR(qr string) {
	if qr == "" {
		return
	}
	a.m.QR = qr
	a.m.Status = domain.StatusQRPending
	a.m.Phone = ""
	a.m.ReconnectInFlight = false
	a.m.NotFoundCount = 0
	a.stopQRPolling()
	a.startStatusPolling()

	a.m.GraceActive = true
	a.m.GraceUntil = time.Now().Add(a.s.opts.GraceWindow)
	stopTimer(&a.graceTimer)
	a.graceTimer = a.after(a.s.opts.GraceWindow, func() {
		if a.m.GraceActive && !time.Now().Before(a.m.GraceUntil) {
			a.m.GraceActive = false
		}
	})
}

func (a *actor) clearGrace() {
	a.m.GraceActive = false
	a.m.GraceUntil = time.Time{}
	stopTimer(&a.graceTimer)
}

func (a *actor) onStatus(status domain.Status, phone string) {
	switch status {
	case domain.StatusConnected:
		a.onConnected(phone)
	case domain.StatusQRPending:
		a.m.Status = domain.StatusQRPending
		a.m.Phone = ""
		if a.m.QR == "" {
			a.startQRPolling()
		}
		a.startStatusPolling()
	case domain.StatusConnecting:
		a.m.Status = domain.StatusConnecting
		a.m.QR = ""
		a.m.Phone = ""
		a.startQRPolling()
		a.startStatusPolling()
	case domain.StatusDisconnected:
		a.onDisconnected()
	case domain.StatusError:
		a.m.Status = domain.StatusError
		a.m.QR = ""
		a.m.Phone = ""
		a.stopPolling()
		stopTimer(&a.retryTimer)
		a.notify(NoticeGaveUp, "server reported a persistent failure")
	}
}

// onConnected wins over every pending transient-error bookkeeping.
func (a *actor) onConnected(phone string) {
	was := a.m.Status
	a.m.Status = domain.StatusConnected
	a.m.Phone = phone
	a.m.QR = ""
	a.m.AutoReconnectCount = 0
	a.m.NotFoundCount = 0
	a.m.ReconnectInFlight = false
	a.m.ManualDisconnect = false
	a.m.Stale = false
	a.clearGrace()
	stopTimer(&a.retryTimer)
	a.retry.Reset()
	a.stopPolling()
	a.startStatusPolling()
	if was != domain.StatusConnected {
		a.notify(NoticeConnected, phone)
	}
}

func (a *actor) onDisconnected() {
	if a.m.ManualDisconnect {
		a.m.Status = domain.StatusDisconnected
		a.m.QR = ""
		a.m.Phone = ""
		a.stopPolling()
		return
	}
	if a.m.Status == domain.StatusQRPending && a.m.GraceActive && time.Now().Before(a.m.GraceUntil) {
		zap.L().Debug("syncer: disconnect inside grace window ignored", zap.String("instance_id", a.id))
		return
	}
	if a.m.Status == domain.StatusDisconnected {
		return
	}
	a.m.QR = ""
	a.m.Phone = ""
	a.clearGrace()
	if a.m.AutoReconnectCount >= a.s.opts.MaxAutoReconnects {
		a.giveUp()
		return
	}
	a.m.AutoReconnectCount++
	a.m.Status = domain.StatusConnecting
	a.startStatusPolling()
	delay := a.retry.NextBackOff()
	if delay == backoff.Stop {
		delay = a.s.opts.ReconnectDelay
	}
	a.notify(NoticeReconnecting, delay.String())
	stopTimer(&a.retryTimer)
	a.retryTimer = a.after(delay, a.autoResume)
}

func (a *actor) giveUp() {
	a.m.Status = domain.StatusDisconnected
	a.stopPolling()
	stopTimer(&a.retryTimer)
	a.notify(NoticeGaveUp, "automatic reconnect attempts exhausted")
	zap.L().Info("syncer: giving up automatic reconnects",
		zap.String("instance_id", a.id), zap.Int("attempts", a.m.AutoReconnectCount))
}

func (a *actor) autoResume() {
	a.retryTimer = nil
	if a.m.ManualDisconnect || a.m.Stale || a.m.Status != domain.StatusConnecting {
		return
	}
	a.call("resume", a.s.backend.Resume)
}

// call runs a backend command off the actor and reports the outcome back.
func (a *actor) call(name string, fn func(context.Context, string) error) {
	go func() {
		ctx, cancel := a.callCtx()
		defer cancel()
		err := fn(ctx, a.id)
		if err == nil || errors.Is(err, domain.ErrReconnectInProgress) {
			return
		}
		a.post(func() {
			if errors.Is(err, domain.ErrNotFound) && !a.m.ReconnectInFlight {
				a.markStale()
				return
			}
			zap.L().Warn("syncer: command failed",
				zap.String("instance_id", a.id), zap.String("command", name), zap.Error(err))
		})
	}()
}

func (a *actor) markStale() {
	if a.m.Stale {
		return
	}
	a.m.Stale = true
	a.m.ReconnectInFlight = false
	a.stopPolling()
	stopTimer(&a.retryTimer)
	a.clearGrace()
	a.notify(NoticeStale, "instance no longer exists on the server")
}

// notFound handles a not-found poll answer. During a manual reconnect the
// server is between teardown and recreate, so a bounded number is expected.
func (a *actor) notFound() {
	if !a.m.ReconnectInFlight {
		a.markStale()
		return
	}
	a.m.NotFoundCount++
	if a.m.NotFoundCount > a.s.opts.MaxNotFound {
		a.markStale()
	}
}

// user commands

func (a *actor) connect() {
	a.changed()
	a.m.ManualDisconnect = false
	a.m.Stale = false
	a.m.AutoReconnectCount = 0
	a.m.NotFoundCount = 0
	a.m.ReconnectInFlight = true
	a.m.Status = domain.StatusConnecting
	a.m.QR = ""
	a.m.Phone = ""
	a.retry.Reset()
	stopTimer(&a.retryTimer)
	a.clearGrace()
	a.startQRPolling()
	a.startStatusPolling()
	a.call("resume", a.s.backend.Resume)
}

func (a *actor) reconnect() {
	a.changed()
	a.m.ManualDisconnect = false
	a.m.Stale = false
	a.m.AutoReconnectCount = 0
	a.m.NotFoundCount = 0
	a.m.ReconnectInFlight = true
	a.m.Status = domain.StatusConnecting
	a.m.QR = ""
	a.m.Phone = ""
	a.retry.Reset()
	stopTimer(&a.retryTimer)
	a.clearGrace()
	a.startQRPolling()
	a.startStatusPolling()
	a.call("reconnect", a.s.backend.Reconnect)
}

func (a *actor) disconnect() {
	a.changed()
	a.m.ManualDisconnect = true
	a.m.ReconnectInFlight = false
	a.m.Status = domain.StatusDisconnected
	a.m.QR = ""
	a.m.Phone = ""
	stopTimer(&a.retryTimer)
	a.clearGrace()
	a.stopPolling()
	a.notify(NoticeDisconnected, "disconnected by user")
	a.call("disconnect", a.s.backend.Disconnect)
}

// polling

func (a *actor) startQRPolling() {
	if a.m.QRPolling || a.m.Stale {
		return
	}
	a.m.QRPolling = true
	a.qrTimer = a.after(a.s.opts.QRPollInterval, a.pollQR)
}

func (a *actor) stopQRPolling() {
	a.m.QRPolling = false
	stopTimer(&a.qrTimer)
}

func (a *actor) startStatusPolling() {
	if a.m.StatusPolling || a.m.Stale {
		return
	}
	a.m.StatusPolling = true
	a.statusTimer = a.after(a.s.opts.StatusPollInterval, a.pollStatus)
}

func (a *actor) stopStatusPolling() {
	a.m.StatusPolling = false
	stopTimer(&a.statusTimer)
}

func (a *actor) stopPolling() {
	a.stopQRPolling()
	a.stopStatusPolling()
}

func (a *actor) wantsQR() bool {
	return a.m.QR == "" && (a.m.Status == domain.StatusQRPending || a.m.Status == domain.StatusConnecting)
}

func (a *actor) pollQR() {
	a.qrTimer = nil
	if !a.m.QRPolling || a.qrInFlight {
		return
	}
	if !a.wantsQR() {
		a.m.QRPolling = false
		return
	}
	a.qrInFlight = true
	version := a.m.Version
	go func() {
		ctx, cancel := a.callCtx()
		defer cancel()
		qr, err := a.s.backend.GetQR(ctx, a.id)
		a.post(func() {
			a.qrInFlight = false
			if version == a.m.Version {
				switch {
				case errors.Is(err, domain.ErrNotFound):
					a.notFound()
				case err != nil:
					zap.L().Debug("syncer: qr poll failed", zap.String("instance_id", a.id), zap.Error(err))
				case qr != "":
					a.changed()
					a.onQR(qr)
				}
			}
			if a.m.QRPolling && a.qrTimer == nil {
				a.qrTimer = a.after(a.s.opts.QRPollInterval, a.pollQR)
			}
		})
	}()
}

func (a *actor) pollStatus() {
	a.statusTimer = nil
	if !a.m.StatusPolling || a.stInFlight {
		return
	}
	a.stInFlight = true
	version := a.m.Version
	go func() {
		ctx, cancel := a.callCtx()
		defer cancel()
		inst, err := a.s.backend.GetStatus(ctx, a.id)
		a.post(func() {
			a.stInFlight = false
			if version == a.m.Version {
				switch {
				case errors.Is(err, domain.ErrNotFound):
					a.notFound()
				case err != nil:
					zap.L().Debug("syncer: status poll failed", zap.String("instance_id", a.id), zap.Error(err))
				default:
					a.applyPolled(inst)
				}
			}
			if a.m.StatusPolling && a.statusTimer == nil {
				a.statusTimer = a.after(a.s.opts.StatusPollInterval, a.pollStatus)
			}
		})
	}()
}

func (a *actor) applyPolled(inst domain.Instance) {
	a.m.NotFoundCount = 0
	if inst.Status == a.m.Status && inst.QR == a.m.QR && inst.Phone == a.m.Phone {
		return
	}
	a.changed()
	if inst.QR != "" && inst.QR != a.m.QR {
		a.onQR(inst.QR)
	}
	if inst.Status == domain.StatusQRPending && a.m.Status == domain.StatusQRPending {
		return
	}
	a.onStatus(inst.Status, inst.Phone)
}
