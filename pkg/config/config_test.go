package config

import (
	"errors"
	"testing"
)

func TestEnvLookup(t *testing.T) {
	t.Setenv("UPSTREAM_USERNAME", "admin")

	v, err := Env{}.Lookup(KeyUsername)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "admin" {
		t.Errorf("expected %q, got %q", "admin", v)
	}
}

func TestEnvLookupMissing(t *testing.T) {
	t.Setenv("UPSTREAM_APP_KEY", "")

	_, err := Env{}.Lookup(KeyAppKey)
	if err == nil {
		t.Fatal("expected an error for an unset key")
	}
	var missing MissingKeyError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingKeyError, got %T", err)
	}
	if string(missing) != KeyAppKey {
		t.Errorf("expected error to name %q, got %q", KeyAppKey, string(missing))
	}
}

func TestStaticLookup(t *testing.T) {
	s := Static{KeyPassword: "secret"}

	if _, err := s.Lookup(KeyPassword); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Lookup(KeyUsername); err == nil {
		t.Fatal("expected an error for an absent key")
	}
}
