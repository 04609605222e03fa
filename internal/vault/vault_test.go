package vault

import (
	"errors"
	"strings"
	"testing"
)

func newVault(t *testing.T, passphrase string) *Vault {
	t.Helper()
	v, err := New(passphrase)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestSealOpen(t *testing.T) {
	v := newVault(t, "test-passphrase")

	sealed, err := v.Seal("sk-live-123")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "sk-live-123") {
		t.Fatalf("unexpected sealed value %q", sealed)
	}

	opened, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != "sk-live-123" {
		t.Fatalf("got %q, want %q", opened, "sk-live-123")
	}

	// A fresh nonce every time.
	again, _ := v.Seal("sk-live-123")
	if again == sealed {
		t.Error("expected different sealed values for the same plaintext")
	}
}

func TestOpenSurvivesRestart(t *testing.T) {
	sealed, err := newVault(t, "same").Seal("value")
	if err != nil {
		t.Fatal(err)
	}
	opened, err := newVault(t, "same").Open(sealed)
	if err != nil || opened != "value" {
		t.Fatalf("expected value to open with a new vault, got %q (%v)", opened, err)
	}
}

func TestWrongPassphrase(t *testing.T) {
	sealed, err := newVault(t, "correct-passphrase").Seal("secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := newVault(t, "wrong-passphrase").Open(sealed); err == nil {
		t.Fatal("expected error opening with wrong passphrase")
	}
}

func TestOpenPlainAndMalformed(t *testing.T) {
	v := newVault(t, "test")

	if got, err := v.Open("plain"); err != nil || got != "plain" {
		t.Errorf("expected plain value unchanged, got %q (%v)", got, err)
	}
	if _, err := v.Open("enc:not-base64!"); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
	if _, err := v.Open("enc:YWJj"); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for short input, got %v", err)
	}
}

func TestEmptyPlaintext(t *testing.T) {
	v := newVault(t, "test")
	sealed, err := v.Seal("")
	if err != nil {
		t.Fatalf("seal empty: %v", err)
	}
	opened, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("open empty: %v", err)
	}
	if opened != "" {
		t.Fatalf("expected empty, got %q", opened)
	}
}

func TestEmptyPassphrase(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty passphrase")
	}
}

func TestOpenEnv(t *testing.T) {
	v := newVault(t, "test")
	token, _ := v.Seal("hunter2")

	env, err := v.OpenEnv(map[string]string{"API_KEY": token, "MODE": "fast"})
	if err != nil {
		t.Fatal(err)
	}
	if env["API_KEY"] != "hunter2" || env["MODE"] != "fast" {
		t.Errorf("unexpected env %v", env)
	}

	if _, err := v.OpenEnv(map[string]string{"BAD": "enc:@@"}); err == nil || !strings.Contains(err.Error(), "BAD") {
		t.Errorf("expected error naming the key, got %v", err)
	}
}
