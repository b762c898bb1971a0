package session

import (
	"github.com/mitchellh/mapstructure"
)

// Keys of the persisted session object.
const (
	KeyDeviceToken   = "token"
	KeyCredential    = "jwt"
	KeyUser          = "user"
	KeyLastAuthCheck = "lastAuthCheck"
)

// State is the raw persisted session object.
type State map[string]any

// Credentials is a typed snapshot of the identity fields in State.
type Credentials struct {
	DeviceToken string `mapstructure:"token"`
	// SessionCredential is sent verbatim in the Authorization header.
	SessionCredential string `mapstructure:"jwt"`
	User              any    `mapstructure:"user"`
	// LastAuthCheck is the unix second of the last successful ping or
	// credential exchange.
	LastAuthCheck int64 `mapstructure:"lastAuthCheck"`
}

// HasToken reports whether a device token was issued.
func (c Credentials) HasToken() bool {
	return c.DeviceToken != ""
}

// HasCredential reports whether a session credential is present.
func (c Credentials) HasCredential() bool {
	return c.SessionCredential != ""
}

// decodeCredentials converts a raw state into Credentials. Numeric strings
// and floats left behind by older writers are accepted.
func decodeCredentials(st State) (Credentials, error) {
	var creds Credentials
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &creds,
	})
	if err != nil {
		return Credentials{}, err
	}
	if err := dec.Decode(map[string]any(st)); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}
