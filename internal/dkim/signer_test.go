package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewDisabled(t *testing.T) {
	signer, err := New(Options{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if signer != nil {
		t.Fatalf("expected nil signer when nothing is configured")
	}
	if signer.Selector() != "" || signer.Domain() != "" {
		t.Fatalf("expected empty accessors on nil signer")
	}
	msg := []byte("From: a@example.com\r\n\r\nBody\r\n")
	out, err := signer.Sign(msg, "a@example.com")
	if err != nil || string(out) != string(msg) {
		t.Fatalf("expected nil signer to pass message through, got %q, %v", out, err)
	}
}

func TestNewInlineKey(t *testing.T) {
	signer, err := New(Options{Selector: "test", PrivateKey: string(testKeyPEM(t)), Domain: "Example.com"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if signer == nil {
		t.Fatalf("expected signer when options are set")
	}
	if signer.Selector() != "test" || signer.Domain() != "example.com" {
		t.Fatalf("unexpected selector/domain %q/%q", signer.Selector(), signer.Domain())
	}
}

func TestNewKeyPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dkim.pem")
	if err := os.WriteFile(path, testKeyPEM(t), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := New(Options{Selector: "s1", KeyPath: path}); err != nil {
		t.Fatalf("New returned error: %v", err)
	}
}

func TestNewRequiresSelectorAndKey(t *testing.T) {
	if _, err := New(Options{PrivateKey: string(testKeyPEM(t))}); err == nil {
		t.Fatalf("expected error without selector")
	}
	if _, err := New(Options{Selector: "s1"}); err == nil {
		t.Fatalf("expected error without key")
	}
	if _, err := New(Options{Selector: "s1", PrivateKey: "not pem"}); err == nil {
		t.Fatalf("expected error for unparsable key")
	}
}

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func TestSignerSignAddsHeader(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := &Signer{
		selector:   "test",
		key:        key,
		headerKeys: []string{"from", "subject"},
	}

	raw := "From: sender@example.com\nSubject: Test\n\nBody\n"
	signed, err := signer.Sign([]byte(raw), "sender@example.com")
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}
	payload := string(signed)
	if !strings.Contains(payload, "DKIM-Signature:") {
		t.Fatalf("expected DKIM-Signature header, got %q", payload)
	}
	if !strings.Contains(payload, "\r\nFrom: sender@example.com") {
		t.Fatalf("expected CRLF normalized output, got %q", payload)
	}
}

func TestSignerSkipsWhenHeaderPresent(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := &Signer{
		selector:   "test",
		key:        key,
		headerKeys: []string{"from"},
	}

	raw := "DKIM-Signature: existing\r\nFrom: sender@example.com\r\n\r\nBody\r\n"
	signed, err := signer.Sign([]byte(raw), "sender@example.com")
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}
	if string(signed) != raw {
		t.Fatalf("expected message to remain unchanged when signature exists")
	}
}
