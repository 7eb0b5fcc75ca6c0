package session

import (
	"testing"

	"github.com/talkincode/toughwa/internal/engine"
	"github.com/talkincode/toughwa/internal/engine/sim"
)

func TestClassifyClose(t *testing.T) {
	tests := []struct {
		name       string
		reason     engine.CloseReason
		fresh      bool
		credsValid bool
		want       Decision
		policy     string
	}{
		{"unauthorized", engine.ReasonUnauthorized, false, true, DecisionTerminal, "unauthorized"},
		{"device removed", engine.ReasonDeviceRemoved, true, true, DecisionTerminal, "unauthorized"},
		{"logged out", engine.ReasonLoggedOut, false, true, DecisionTerminal, "logged_out"},
		{"stream error after pairing", engine.ReasonStreamError, true, true, DecisionRepair, "stream_error_fresh_pairing"},
		{"stream error established valid creds", engine.ReasonStreamError, false, true, DecisionResume, "stream_error_established"},
		{"stream error established broken creds", engine.ReasonStreamError, false, false, DecisionRepair, "stream_error_established"},
		{"connection lost", engine.ReasonConnectionLost, false, true, DecisionRetry, "generic_close"},
		{"unknown reason", engine.CloseReason("weird"), true, false, DecisionRetry, "generic_close"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loads := 0
			valid := tt.credsValid
			ctx := &CloseContext{
				InstanceID:       "i1",
				Cause:            engine.CloseCause{Reason: tt.reason},
				FreshPairing:     tt.fresh,
				credentialsValid: func() bool { loads++; return valid },
			}
			p, got := classify(DefaultClosePolicies(), ctx)
			if got != tt.want {
				t.Fatalf("decision = %s, want %s", got, tt.want)
			}
			if p.Name() != tt.policy {
				t.Fatalf("policy = %s, want %s", p.Name(), tt.policy)
			}
			if loads > 1 {
				t.Fatalf("credentials loaded %d times", loads)
			}
		})
	}
}

func TestValidCredentials(t *testing.T) {
	good := sim.NewCredentials("6281111")
	tests := []struct {
		name string
		blob []byte
		want bool
	}{
		{"complete", good, true},
		{"empty", nil, false},
		{"too small", []byte(`{"me":{"id":"1"}}`), false},
		{"not json", []byte("0123456789012345678901234567890123456789012345678901234567890123456789"), false},
		{"missing me.id", []byte(`{"me":{"name":"x"},"noiseKey":{"a":"b"},"signedIdentityKey":{"a":"b"},"registrationId":12,"pad":"xxxxxxxxxxxxxxxxxxxxxxxx"}`), false},
		{"empty me.id", []byte(`{"me":{"id":""},"noiseKey":{"a":"b"},"signedIdentityKey":{"a":"b"},"registrationId":12,"pad":"xxxxxxxxxxxxxxxxxxxxxxxx"}`), false},
		{"null noise key", []byte(`{"me":{"id":"62@s"},"noiseKey":null,"signedIdentityKey":{"a":"b"},"registrationId":12,"pad":"xxxxxxxxxxxxxxxxxxxxxxxx"}`), false},
		{"missing registration", []byte(`{"me":{"id":"62@s"},"noiseKey":{"a":"b"},"signedIdentityKey":{"a":"b"},"pad":"xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}`), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidCredentials(tt.blob, 64); got != tt.want {
				t.Fatalf("ValidCredentials = %v, want %v (len %d)", got, tt.want, len(tt.blob))
			}
		})
	}
}
