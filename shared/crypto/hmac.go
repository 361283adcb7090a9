package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// HashSize is the output size of the keyed hash used throughout the key
// schedule.
const HashSize = sha256.Size

// HMACSHA256 computes HMAC-SHA256 over the concatenation of parts.
func HMACSHA256(key []byte, parts ...[]byte) [HashSize]byte {
	h := hmac.New(sha256.New, key)
	for _, p := range parts {
		h.Write(p)
	}
	var out [HashSize]byte
	h.Sum(out[:0])
	return out
}

// Equal compares two MACs in constant time.
func Equal(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// PRF implements the P_SHA256 expansion used for the master secret, the key
// block, and the finished verify data:
//
//	A(0) = label || seed
//	A(i) = HMAC(secret, A(i-1))
//	out  = HMAC(secret, A(1) || label || seed) || HMAC(secret, A(2) || ...) || ...
func PRF(secret []byte, label string, seed []byte, outLen int) []byte {
	labelSeed := make([]byte, 0, len(label)+len(seed))
	labelSeed = append(labelSeed, label...)
	labelSeed = append(labelSeed, seed...)

	out := make([]byte, 0, outLen)
	a := HMACSHA256(secret, labelSeed)
	for len(out) < outLen {
		t := HMACSHA256(secret, a[:], labelSeed)
		out = append(out, t[:]...)
		a = HMACSHA256(secret, a[:])
	}
	return out[:outLen]
}
