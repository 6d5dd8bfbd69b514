package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func sign(secret, payload []byte) string {
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	return hex.EncodeToString(hasher.Sum(nil))
}

func TestValidateSignatureAcceptsValidDigest(t *testing.T) {
	svc := Service{}
	payload := []byte(`{"ref":"refs/heads/main"}`)
	secret := []byte("hunter2hunter2")

	if err := svc.ValidateSignature(payload, secret, sign(secret, payload)); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := svc.ValidateSignature(payload, secret, "sha256="+sign(secret, payload)); err != nil {
		t.Fatalf("expected prefixed signature to validate, got %v", err)
	}
}

func TestValidateSignatureRejectsTamperedPayload(t *testing.T) {
	svc := Service{}
	secret := []byte("hunter2hunter2")
	signature := sign(secret, []byte("original"))

	if err := svc.ValidateSignature([]byte("tampered"), secret, signature); err == nil {
		t.Fatal("expected invalid signature error")
	}
}

func TestValidateSignatureRequiresValue(t *testing.T) {
	svc := Service{}
	if err := svc.ValidateSignature([]byte("body"), []byte("secret"), ""); err == nil {
		t.Fatal("expected error for missing signature")
	}
	if err := svc.ValidateSignature([]byte("body"), []byte("secret"), "sha256="); err == nil {
		t.Fatal("expected error for empty digest")
	}
}
