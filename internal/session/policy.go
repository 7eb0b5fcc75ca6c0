package session

import (
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/engine"
)

// Decision is what the manager does after a connection closed.
type Decision int

const (
	// DecisionTerminal discards credentials and waits for a new pairing
	DecisionTerminal Decision = iota
	// DecisionRepair discards credentials and starts a fresh create cycle
	DecisionRepair
	// DecisionResume reopens the connection with the stored credentials
	DecisionResume
	// DecisionRetry marks the instance disconnected and resumes once after a delay
	DecisionRetry
)

func (d Decision) String() string {
	switch d {
	case DecisionTerminal:
		return "terminal"
	case DecisionRepair:
		return "repair"
	case DecisionResume:
		return "resume"
	case DecisionRetry:
		return "retry"
	}
	return "unknown"
}

// CloseContext is the input of the close policy chain.
type CloseContext struct {
	InstanceID string
	Cause      engine.CloseCause
	Status     domain.Status
	// FreshPairing is set while the instance is pairing or just paired
	FreshPairing bool

	credentialsValid func() bool
	validated        *bool
}

// CredentialsValid loads and checks the persisted credentials on first use.
func (c *CloseContext) CredentialsValid() bool {
	if c.validated != nil {
		return *c.validated
	}
	ok := c.credentialsValid != nil && c.credentialsValid()
	c.validated = &ok
	return ok
}

// ClosePolicy classifies one family of close causes.
type ClosePolicy interface {
	Name() string
	CanHandle(ctx *CloseContext) bool
	Decide(ctx *CloseContext) Decision
}

// DefaultClosePolicies is evaluated in order; the last entry handles everything.
func DefaultClosePolicies() []ClosePolicy {
	return []ClosePolicy{
		unauthorizedPolicy{},
		loggedOutPolicy{},
		freshPairingStreamPolicy{},
		establishedStreamPolicy{},
		fallbackPolicy{},
	}
}

// classify runs the chain and returns the matching policy and its decision.
func classify(policies []ClosePolicy, ctx *CloseContext) (ClosePolicy, Decision) {
	for _, p := range policies {
		if p.CanHandle(ctx) {
			return p, p.Decide(ctx)
		}
	}
	fb := fallbackPolicy{}
	return fb, fb.Decide(ctx)
}

type unauthorizedPolicy struct{}

func (unauthorizedPolicy) Name() string { return "unauthorized" }

func (unauthorizedPolicy) CanHandle(ctx *CloseContext) bool {
	return ctx.Cause.Reason == engine.ReasonUnauthorized || ctx.Cause.Reason == engine.ReasonDeviceRemoved
}

func (unauthorizedPolicy) Decide(*CloseContext) Decision { return DecisionTerminal }

type loggedOutPolicy struct{}

func (loggedOutPolicy) Name() string { return "logged_out" }

func (loggedOutPolicy) CanHandle(ctx *CloseContext) bool {
	return ctx.Cause.Reason == engine.ReasonLoggedOut
}

func (loggedOutPolicy) Decide(*CloseContext) Decision { return DecisionTerminal }

// freshPairingStreamPolicy: credentials written while pairing are not yet
// trustworthy, so a half-paired session is never resumed.
type freshPairingStreamPolicy struct{}

func (freshPairingStreamPolicy) Name() string { return "stream_error_fresh_pairing" }

func (freshPairingStreamPolicy) CanHandle(ctx *CloseContext) bool {
	return ctx.Cause.Reason == engine.ReasonStreamError && ctx.FreshPairing
}

func (freshPairingStreamPolicy) Decide(*CloseContext) Decision { return DecisionRepair }

type establishedStreamPolicy struct{}

func (establishedStreamPolicy) Name() string { return "stream_error_established" }

func (establishedStreamPolicy) CanHandle(ctx *CloseContext) bool {
	return ctx.Cause.Reason == engine.ReasonStreamError
}

func (establishedStreamPolicy) Decide(ctx *CloseContext) Decision {
	if ctx.CredentialsValid() {
		return DecisionResume
	}
	return DecisionRepair
}

type fallbackPolicy struct{}

func (fallbackPolicy) Name() string { return "generic_close" }

func (fallbackPolicy) CanHandle(*CloseContext) bool { return true }

func (fallbackPolicy) Decide(*CloseContext) Decision { return DecisionRetry }
