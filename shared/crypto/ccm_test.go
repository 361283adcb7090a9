package crypto

import (
	"bytes"
	"crypto/aes"
	"testing"
)

// RFC 3610 packet vectors (AES-128, M=8, 13-byte nonce)
func TestCCMRFC3610Vectors(t *testing.T) {
	key := mustHex(t, "c0c1c2c3c4c5c6c7c8c9cacbcccdcecf")
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		nonce     string
		aad       string
		plaintext string
		want      string
	}{
		{
			name:      "packet vector 1",
			nonce:     "00000003020100a0a1a2a3a4a5",
			aad:       "0001020304050607",
			plaintext: "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e",
			want:      "588c979a61c663d2f066d0c2c0f989806d5f6b61dac38417e8d12cfdf926e0",
		},
		{
			name:      "packet vector 2",
			nonce:     "00000004030201a0a1a2a3a4a5",
			aad:       "0001020304050607",
			plaintext: "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
			want:      "72c91a36e135f8cf291ca894085c87e3cc15c439c9e43a3ba091d56e10400916",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nonce := mustHex(t, tt.nonce)
			aead, err := NewCCM(block, TagSizeCCM8, len(nonce))
			if err != nil {
				t.Fatalf("NewCCM() error = %v", err)
			}

			got := aead.Seal(nil, nonce, mustHex(t, tt.plaintext), mustHex(t, tt.aad))
			want := mustHex(t, tt.want)
			if !bytes.Equal(got, want) {
				t.Errorf("Seal = %x, want %x", got, want)
			}

			opened, err := aead.Open(nil, nonce, got, mustHex(t, tt.aad))
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(opened, mustHex(t, tt.plaintext)) {
				t.Errorf("Open = %x, want %x", opened, mustHex(t, tt.plaintext))
			}
		})
	}
}

func newTestAEAD(t *testing.T) interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
} {
	t.Helper()
	block, err := aes.NewCipher(bytes.Repeat([]byte{0x42}, 16))
	if err != nil {
		t.Fatal(err)
	}
	aead, err := NewCCM(block, TagSizeCCM8, NonceSizeCCM)
	if err != nil {
		t.Fatal(err)
	}
	return aead
}

func TestCCMRecordNonceRoundTrip(t *testing.T) {
	aead := newTestAEAD(t)
	nonce := mustHex(t, "00010203000100000000002a")
	aad := mustHex(t, "000100000000002a17fefd0005")
	plaintext := []byte("hello")

	sealed := aead.Seal(nil, nonce, plaintext, aad)
	if len(sealed) != len(plaintext)+TagSizeCCM8 {
		t.Fatalf("sealed length = %d, want %d", len(sealed), len(plaintext)+TagSizeCCM8)
	}
	opened, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open = %q, want %q", opened, plaintext)
	}
}

func TestCCMTamperDetection(t *testing.T) {
	aead := newTestAEAD(t)
	nonce := bytes.Repeat([]byte{0x07}, NonceSizeCCM)
	aad := []byte{1, 2, 3}
	sealed := aead.Seal(nil, nonce, []byte("attack at dawn"), aad)

	// a flipped bit in any byte of ciphertext or tag must fail authentication
	for i := 0; i < len(sealed); i++ {
		mutated := bytes.Clone(sealed)
		mutated[i] ^= 0x01
		if _, err := aead.Open(nil, nonce, mutated, aad); err == nil {
			t.Fatalf("Open() accepted ciphertext with byte %d flipped", i)
		}
	}

	// and so must a modified AAD
	if _, err := aead.Open(nil, nonce, sealed, []byte{1, 2, 4}); err == nil {
		t.Error("Open() accepted modified additional data")
	}
}

func TestCCMShortCiphertext(t *testing.T) {
	aead := newTestAEAD(t)
	nonce := bytes.Repeat([]byte{0x07}, NonceSizeCCM)
	if _, err := aead.Open(nil, nonce, []byte{1, 2, 3}, nil); err == nil {
		t.Error("Open() accepted ciphertext shorter than the tag")
	}
}

func TestCCMEmptyPlaintext(t *testing.T) {
	aead := newTestAEAD(t)
	nonce := bytes.Repeat([]byte{0x07}, NonceSizeCCM)
	sealed := aead.Seal(nil, nonce, nil, []byte("header"))
	if len(sealed) != TagSizeCCM8 {
		t.Fatalf("sealed length = %d, want %d", len(sealed), TagSizeCCM8)
	}
	opened, err := aead.Open(nil, nonce, sealed, []byte("header"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if len(opened) != 0 {
		t.Errorf("Open = %x, want empty", opened)
	}
}

func TestNewCCMParameterValidation(t *testing.T) {
	block, err := aes.NewCipher(make([]byte, 16))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewCCM(block, 7, NonceSizeCCM); err == nil {
		t.Error("NewCCM() accepted odd tag size")
	}
	if _, err := NewCCM(block, TagSizeCCM8, 6); err == nil {
		t.Error("NewCCM() accepted nonce size 6")
	}
	if _, err := NewCCM(block, TagSizeCCM8, 14); err == nil {
		t.Error("NewCCM() accepted nonce size 14")
	}
}
