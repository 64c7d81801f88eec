package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
)

func TestDeriveWhisperIDShapeAndStability(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	id := DeriveWhisperID(pub)
	if !ValidWhisperID(id) {
		t.Fatalf("derived id %q does not match the WhisperID format", id)
	}
	if again := DeriveWhisperID(pub); again != id {
		t.Fatalf("derivation unstable: %q vs %q", id, again)
	}

	other, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	if DeriveWhisperID(other) == id {
		t.Fatal("distinct keys derived the same id")
	}
}

func TestValidWhisperID(t *testing.T) {
	valid := []string{
		"WSP-AAAA-2222-Z7Z7",
		"WSP-ABCD-EFGH-2345",
	}
	for _, id := range valid {
		if !ValidWhisperID(id) {
			t.Fatalf("expected %q valid", id)
		}
	}
	invalid := []string{
		"",
		"WSP-aaaa-2222-Z7Z7",     // lowercase
		"WSP-AAA1-2222-Z7Z7",     // 0/1 not in alphabet
		"WSP-AAAA-2222",          // short
		"WSP-AAAA-2222-Z7Z7-QQQ", // long
		"WXP-AAAA-2222-Z7Z7",     // wrong prefix
		"WSP-AAAA-2222-Z7Z8",     // 8 not in alphabet
	}
	for _, id := range invalid {
		if ValidWhisperID(id) {
			t.Fatalf("expected %q invalid", id)
		}
	}
	if strings.ContainsAny("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567", "0189") {
		t.Fatal("base32 alphabet sanity check failed")
	}
}
