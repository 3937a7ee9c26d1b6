package node

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	auth, err := NewAuthenticator(base64.StdEncoding.EncodeToString(pub))
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	return auth, priv
}

func signToken(priv ed25519.PrivateKey, workerID string) string {
	sig := ed25519.Sign(priv, []byte(workerID))
	return workerID + ":" + base64.StdEncoding.EncodeToString(sig)
}

func TestVerifyAuthToken(t *testing.T) {
	auth, priv := newTestAuthenticator(t)

	workerID, err := auth.VerifyAuthToken(signToken(priv, "worker-01"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if workerID != "worker-01" {
		t.Errorf("worker id = %q, want worker-01", workerID)
	}
}

func TestVerifyAuthTokenWorkerIDWithColons(t *testing.T) {
	auth, priv := newTestAuthenticator(t)

	// Only the last colon separates the signature.
	workerID, err := auth.VerifyAuthToken(signToken(priv, "eu:west:worker-07"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if workerID != "eu:west:worker-07" {
		t.Errorf("worker id = %q, want eu:west:worker-07", workerID)
	}
}

func TestVerifyAuthTokenRejectsBadSignature(t *testing.T) {
	auth, _ := newTestAuthenticator(t)
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)

	if _, err := auth.VerifyAuthToken(signToken(otherPriv, "worker-01")); err == nil {
		t.Error("expected verification failure for wrong key")
	}
}

func TestVerifyAuthTokenRejectsTamperedID(t *testing.T) {
	auth, priv := newTestAuthenticator(t)

	sig := ed25519.Sign(priv, []byte("worker-01"))
	token := "worker-02:" + base64.StdEncoding.EncodeToString(sig)

	if _, err := auth.VerifyAuthToken(token); err == nil {
		t.Error("expected verification failure for tampered worker id")
	}
}

func TestVerifyAuthTokenMalformed(t *testing.T) {
	auth, _ := newTestAuthenticator(t)

	for _, token := range []string{"", "worker-01", ":sig", "worker-01:", "worker-01:not-base64!!"} {
		if _, err := auth.VerifyAuthToken(token); err == nil {
			t.Errorf("token %q should be rejected", token)
		}
	}
}

func TestNewAuthenticatorRejectsBadKeys(t *testing.T) {
	if _, err := NewAuthenticator(""); err == nil {
		t.Error("empty key should be rejected")
	}
	if _, err := NewAuthenticator("not-base64!!"); err == nil {
		t.Error("invalid base64 should be rejected")
	}
	if _, err := NewAuthenticator(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("wrong-size key should be rejected")
	}
}
