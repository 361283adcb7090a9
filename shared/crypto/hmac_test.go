package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestHMACSHA256Vector(t *testing.T) {
	// RFC 4231 test case 1
	key := bytes.Repeat([]byte{0x0b}, 20)
	want := mustHex(t, "b0344c61d8db38535ca8afceaf0bf12b881dc200c9833da726e9376c2e32cff7")

	got := HMACSHA256(key, []byte("Hi There"))
	if !bytes.Equal(got[:], want) {
		t.Errorf("HMACSHA256 = %x, want %x", got, want)
	}

	// split input must hash identically
	split := HMACSHA256(key, []byte("Hi "), []byte("There"))
	if split != got {
		t.Error("HMACSHA256 differs for split input")
	}
}

func TestEqual(t *testing.T) {
	a := []byte{1, 2, 3}
	if !Equal(a, []byte{1, 2, 3}) {
		t.Error("Equal() = false for identical MACs")
	}
	if Equal(a, []byte{1, 2, 4}) {
		t.Error("Equal() = true for different MACs")
	}
}

func TestPRFVector(t *testing.T) {
	// Known P_SHA256 answer for the "test label" vector
	secret := mustHex(t, "9bbe436ba940f017b17652849a71db35")
	seed := mustHex(t, "a0ba9f936cda311827a6f796ffd5198c")
	want := mustHex(t,
		"e3f229ba727be17b8d122620557cd453c2aab21d07c3d495329b52d4e61edb5a"+
			"6b301791e90d35c9c9a46b4e14baf9af0fa022f7077def17abfd3797c0564bab"+
			"4fbc91666e9def9b97fce34f796789baa48082d122ee42c5a72e5a5110fff701"+
			"87347b66")

	got := PRF(secret, "test label", seed, 100)
	if !bytes.Equal(got, want) {
		t.Errorf("PRF = %x, want %x", got, want)
	}
}

func TestPRFLengths(t *testing.T) {
	secret := []byte("secret")
	seed := []byte("seed")

	for _, n := range []int{1, 12, 32, 33, 48, 100} {
		out := PRF(secret, "key expansion", seed, n)
		if len(out) != n {
			t.Errorf("PRF length = %d, want %d", len(out), n)
		}
	}

	// a longer output must extend the shorter one, not recompute it
	short := PRF(secret, "master secret", seed, 12)
	long := PRF(secret, "master secret", seed, 48)
	if !bytes.Equal(long[:12], short) {
		t.Error("PRF output is not a prefix-consistent stream")
	}
}
