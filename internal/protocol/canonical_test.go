package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func TestCanonicalBytesLayout(t *testing.T) {
	got := CanonicalBytes("text", "m-1", "WSP-AAAA-BBBB-CCCC", "WSP-DDDD-EEEE-FFFF", 1712345678901, "bm9uY2U=", "Y2lwaGVy")
	want := "v1\ntext\nm-1\nWSP-AAAA-BBBB-CCCC\nWSP-DDDD-EEEE-FFFF\n1712345678901\nbm9uY2U=\nY2lwaGVy\n"
	if string(got) != want {
		t.Fatalf("canonical form mismatch:\n got %q\nwant %q", got, want)
	}
	if !strings.HasSuffix(string(got), "\n") {
		t.Fatal("canonical form must end with a newline")
	}
}

func TestSignVerifyCanonicalRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	canonical := CanonicalBytes("text", "m-2", "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", 1700000000000, "bg==", "Y3Q=")
	sig := SignCanonical(priv, canonical)
	if err := VerifyCanonical(pub, canonical, sig); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerifyCanonicalRejectsAnyFieldFlip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	base := CanonicalBytes("text", "m-3", "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", 1700000000000, "bg==", "Y3Q=")
	sig := SignCanonical(priv, base)

	flipped := [][]byte{
		CanonicalBytes("image", "m-3", "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", 1700000000000, "bg==", "Y3Q="),
		CanonicalBytes("text", "m-4", "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", 1700000000000, "bg==", "Y3Q="),
		CanonicalBytes("text", "m-3", "WSP-CCCC-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", 1700000000000, "bg==", "Y3Q="),
		CanonicalBytes("text", "m-3", "WSP-AAAA-AAAA-AAAA", "WSP-CCCC-BBBB-BBBB", 1700000000000, "bg==", "Y3Q="),
		CanonicalBytes("text", "m-3", "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", 1700000000001, "bg==", "Y3Q="),
		CanonicalBytes("text", "m-3", "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", 1700000000000, "bq==", "Y3Q="),
		CanonicalBytes("text", "m-3", "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", 1700000000000, "bg==", "Y3U="),
	}
	for i, c := range flipped {
		if err := VerifyCanonical(pub, c, sig); err == nil {
			t.Fatalf("variant %d: flipped field verified", i)
		}
	}
}

func TestVerifyCanonicalRejectsBadLengths(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	canonical := CanonicalBytes("text", "m-5", "a", "b", 1, "n", "c")
	sig := SignCanonical(priv, canonical)

	if err := VerifyCanonical(pub[:31], canonical, sig); err == nil {
		t.Fatal("short public key accepted")
	}
	if err := VerifyCanonical(pub, canonical, sig[:63]); err == nil {
		t.Fatal("short signature accepted")
	}
}

func TestDecodeBase64FieldLength(t *testing.T) {
	nonce := make([]byte, 24)
	encoded := base64.StdEncoding.EncodeToString(nonce)
	raw, err := DecodeBase64Field(encoded, 24)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(raw) != 24 {
		t.Fatalf("expected 24 bytes, got %d", len(raw))
	}
	if _, err := DecodeBase64Field(encoded, 32); err == nil {
		t.Fatal("wrong length accepted")
	}
	if _, err := DecodeBase64Field("!!!", 0); err == nil {
		t.Fatal("invalid base64 accepted")
	}
}
