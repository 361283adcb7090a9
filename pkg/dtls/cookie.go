package dtls

import (
	"fmt"
	"io"
	"time"

	"github.com/duskmesh/duskmesh/shared/crypto"
	"github.com/duskmesh/duskmesh/shared/wire"
)

const (
	// cookieSecretSize is the length of the process-wide secret that MACs
	// peer-binding cookies.
	cookieSecretSize = 12

	// DefaultCookieRotation is the interval after which the cookie secret
	// is replaced. Cookies signed under the previous secret stay valid for
	// one further interval so genuine clients do not flap.
	DefaultCookieRotation = 5 * time.Minute
)

// cookieJar owns the cookie secret, its age, and the immediately previous
// secret kept for the grace interval after a rotation.
type cookieJar struct {
	secret   [cookieSecretSize]byte
	prev     [cookieSecretSize]byte
	hasPrev  bool
	bornAt   time.Time
	rotation time.Duration
	rand     io.Reader
}

func newCookieJar(rand io.Reader, rotation time.Duration, now time.Time) (*cookieJar, error) {
	j := &cookieJar{rotation: rotation, rand: rand, bornAt: now}
	if _, err := io.ReadFull(rand, j.secret[:]); err != nil {
		return nil, fmt.Errorf("cookie secret: %w", err)
	}
	return j, nil
}

// refresh rotates the secret when it has outlived the rotation interval.
// The old secret is retained for exactly one further interval.
func (j *cookieJar) refresh(now time.Time) error {
	age := now.Sub(j.bornAt)
	if age <= j.rotation {
		return nil
	}
	if age <= 2*j.rotation {
		j.prev = j.secret
		j.hasPrev = true
	} else {
		// the secret sat unrotated past its grace window; nothing signed
		// under it may survive
		j.hasPrev = false
	}
	j.bornAt = now
	if _, err := io.ReadFull(j.rand, j.secret[:]); err != nil {
		return fmt.Errorf("cookie secret rotation: %w", err)
	}
	return nil
}

func cookieMAC(secret []byte, s Session, clientRandom []byte) [wire.CookieSize]byte {
	var scratch [22]byte
	identity := s.appendBinary(scratch[:0])
	mac := crypto.HMACSHA256(secret, identity, clientRandom)
	var cookie [wire.CookieSize]byte
	copy(cookie[:], mac[:wire.CookieSize])
	return cookie
}

// generate produces the cookie for a session identity bound to the client
// random of its hello.
func (j *cookieJar) generate(s Session, clientRandom []byte) [wire.CookieSize]byte {
	return cookieMAC(j.secret[:], s, clientRandom)
}

// verify checks a presented cookie against the current secret and, within
// the grace interval, the previous one.
func (j *cookieJar) verify(s Session, clientRandom, cookie []byte) bool {
	if len(cookie) != wire.CookieSize {
		return false
	}
	want := cookieMAC(j.secret[:], s, clientRandom)
	if crypto.Equal(want[:], cookie) {
		return true
	}
	if !j.hasPrev {
		return false
	}
	old := cookieMAC(j.prev[:], s, clientRandom)
	return crypto.Equal(old[:], cookie)
}
