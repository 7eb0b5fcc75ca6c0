package session

import (
	jsoniter "github.com/json-iterator/go"
)

// requiredCredentialFields are the identity fields a persisted credentials
// blob must carry before a session may be resumed from it.
var requiredCredentialFields = [][]interface{}{
	{"me", "id"},
	{"noiseKey"},
	{"signedIdentityKey"},
	{"registrationId"},
}

// ValidCredentials is the single structural completeness check applied to
// every persisted credentials blob.
func ValidCredentials(blob []byte, minBytes int) bool {
	if len(blob) == 0 || len(blob) < minBytes {
		return false
	}
	if jsoniter.Get(blob).ValueType() != jsoniter.ObjectValue {
		return false
	}
	for _, path := range requiredCredentialFields {
		v := jsoniter.Get(blob, path...)
		switch v.ValueType() {
		case jsoniter.InvalidValue, jsoniter.NilValue:
			return false
		case jsoniter.StringValue:
			if v.ToString() == "" {
				return false
			}
		}
	}
	return true
}
