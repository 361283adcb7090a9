package dtls

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// Session identifies one peer: the remote transport address plus the index
// of the local interface the datagram arrived on. Sessions are value types
// and usable as map keys; equality is bytewise over address, port and
// interface.
type Session struct {
	Addr    netip.AddrPort
	IfIndex int
}

// NewSession creates a session for a remote address on the default interface.
func NewSession(addr netip.AddrPort) Session {
	return Session{Addr: addr}
}

// SessionFromUDPAddr converts a net.UDPAddr as returned by ReadFromUDP.
func SessionFromUDPAddr(a *net.UDPAddr) Session {
	return Session{Addr: a.AddrPort()}
}

// UDPAddr converts the session back to a net.UDPAddr for WriteToUDP.
func (s Session) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(s.Addr)
}

// appendBinary appends the canonical byte form of the identity, used as
// input to the cookie MAC. The 16-byte address form keeps v4 and v6
// encodings distinct from port and interface bytes.
func (s Session) appendBinary(dst []byte) []byte {
	a16 := s.Addr.Addr().As16()
	dst = append(dst, a16[:]...)
	var b [6]byte
	binary.BigEndian.PutUint16(b[0:2], s.Addr.Port())
	binary.BigEndian.PutUint32(b[2:6], uint32(s.IfIndex))
	return append(dst, b[:]...)
}

func (s Session) String() string {
	if s.IfIndex == 0 {
		return s.Addr.String()
	}
	return fmt.Sprintf("%s%%%d", s.Addr, s.IfIndex)
}
