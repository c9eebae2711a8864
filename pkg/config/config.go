package config

import (
	"fmt"
	"os"
)

// Keys for the secrets the proxy exchanges and injects. They are resolved
// when a request needs them, not at startup, so an instance can boot before
// its environment is fully populated.
const (
	KeyUsername = "UPSTREAM_USERNAME"
	KeyPassword = "UPSTREAM_PASSWORD"
	KeyAppKey   = "UPSTREAM_APP_KEY"
)

// MissingKeyError is returned when a required configuration key is absent.
type MissingKeyError string

func (e MissingKeyError) Error() string {
	return fmt.Sprintf("required configuration key %q is not set", string(e))
}

// Source resolves configuration values by key.
type Source interface {
	Lookup(key string) (string, error)
}

// Env is a Source backed by the process environment. Values are read on
// every lookup so changes to the environment are observed per request.
type Env struct{}

func (Env) Lookup(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || len(v) == 0 {
		return "", MissingKeyError(key)
	}
	return v, nil
}

// Static is a Source backed by a fixed map, used in tests.
type Static map[string]string

func (s Static) Lookup(key string) (string, error) {
	v, ok := s[key]
	if !ok || len(v) == 0 {
		return "", MissingKeyError(key)
	}
	return v, nil
}
