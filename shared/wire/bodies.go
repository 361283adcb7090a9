package wire

import (
	"encoding/binary"
	"fmt"
)

// ClientHello is the body of a CLIENT_HELLO handshake message.
type ClientHello struct {
	Version            uint16
	Random             [RandomSize]byte
	SessionID          []byte
	Cookie             []byte
	CipherSuites       []uint16
	CompressionMethods []byte
}

// ServerHello is the body of a SERVER_HELLO handshake message.
type ServerHello struct {
	Version           uint16
	Random            [RandomSize]byte
	SessionID         []byte
	CipherSuite       uint16
	CompressionMethod byte
}

// HelloVerifyRequest carries the stateless cookie challenge.
type HelloVerifyRequest struct {
	Version uint16
	Cookie  []byte
}

// ClientKeyExchange carries the PSK identity the client offers in PSK key
// exchange.
type ClientKeyExchange struct {
	Identity []byte
}

// Finished carries the truncated PRF output binding the transcript.
type Finished struct {
	VerifyData [FinishedSize]byte
}

// Alert is the two-byte alert protocol payload.
type Alert struct {
	Level       byte
	Description byte
}

// AppendClientHello appends the encoded body to dst and returns the result.
func AppendClientHello(dst []byte, h *ClientHello) ([]byte, error) {
	if len(h.SessionID) > MaxSessionIDSize {
		return dst, fmt.Errorf("client hello: session id too long: %d bytes", len(h.SessionID))
	}
	if len(h.Cookie) > MaxCookieSize {
		return dst, fmt.Errorf("client hello: cookie too long: %d bytes", len(h.Cookie))
	}
	if len(h.CipherSuites) == 0 || len(h.CompressionMethods) == 0 {
		return dst, fmt.Errorf("client hello: empty cipher suite or compression list")
	}
	var v2 [2]byte
	binary.BigEndian.PutUint16(v2[:], h.Version)
	dst = append(dst, v2[:]...)
	dst = append(dst, h.Random[:]...)
	dst = append(dst, byte(len(h.SessionID)))
	dst = append(dst, h.SessionID...)
	dst = append(dst, byte(len(h.Cookie)))
	dst = append(dst, h.Cookie...)
	binary.BigEndian.PutUint16(v2[:], uint16(2*len(h.CipherSuites)))
	dst = append(dst, v2[:]...)
	for _, cs := range h.CipherSuites {
		binary.BigEndian.PutUint16(v2[:], cs)
		dst = append(dst, v2[:]...)
	}
	dst = append(dst, byte(len(h.CompressionMethods)))
	dst = append(dst, h.CompressionMethods...)
	return dst, nil
}

// DecodeClientHello decodes a CLIENT_HELLO body. Every length field is
// checked against the containing buffer before use. The returned slices
// alias data.
func DecodeClientHello(data []byte) (*ClientHello, error) {
	h := &ClientHello{}
	if len(data) < 2+RandomSize+1 {
		return nil, fmt.Errorf("client hello: insufficient data: %d bytes", len(data))
	}
	h.Version = binary.BigEndian.Uint16(data[0:2])
	copy(h.Random[:], data[2:2+RandomSize])
	off := 2 + RandomSize

	slen := int(data[off])
	off++
	if slen > MaxSessionIDSize || off+slen > len(data) {
		return nil, fmt.Errorf("client hello: session id length %d out of bounds", slen)
	}
	h.SessionID = data[off : off+slen]
	off += slen

	if off >= len(data) {
		return nil, fmt.Errorf("client hello: truncated before cookie")
	}
	clen := int(data[off])
	off++
	if clen > MaxCookieSize || off+clen > len(data) {
		return nil, fmt.Errorf("client hello: cookie length %d out of bounds", clen)
	}
	h.Cookie = data[off : off+clen]
	off += clen

	if off+2 > len(data) {
		return nil, fmt.Errorf("client hello: truncated before cipher suites")
	}
	cslen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if cslen == 0 || cslen%2 != 0 || off+cslen > len(data) {
		return nil, fmt.Errorf("client hello: cipher suite length %d invalid", cslen)
	}
	h.CipherSuites = make([]uint16, cslen/2)
	for i := range h.CipherSuites {
		h.CipherSuites[i] = binary.BigEndian.Uint16(data[off+2*i : off+2*i+2])
	}
	off += cslen

	if off >= len(data) {
		return nil, fmt.Errorf("client hello: truncated before compression methods")
	}
	cmlen := int(data[off])
	off++
	if cmlen == 0 || off+cmlen > len(data) {
		return nil, fmt.Errorf("client hello: compression length %d out of bounds", cmlen)
	}
	h.CompressionMethods = data[off : off+cmlen]
	return h, nil
}

// AppendServerHello appends the encoded body to dst and returns the result.
func AppendServerHello(dst []byte, h *ServerHello) ([]byte, error) {
	if len(h.SessionID) > MaxSessionIDSize {
		return dst, fmt.Errorf("server hello: session id too long: %d bytes", len(h.SessionID))
	}
	var v2 [2]byte
	binary.BigEndian.PutUint16(v2[:], h.Version)
	dst = append(dst, v2[:]...)
	dst = append(dst, h.Random[:]...)
	dst = append(dst, byte(len(h.SessionID)))
	dst = append(dst, h.SessionID...)
	binary.BigEndian.PutUint16(v2[:], h.CipherSuite)
	dst = append(dst, v2[:]...)
	dst = append(dst, h.CompressionMethod)
	return dst, nil
}

// DecodeServerHello decodes a SERVER_HELLO body.
func DecodeServerHello(data []byte) (*ServerHello, error) {
	h := &ServerHello{}
	if len(data) < 2+RandomSize+1 {
		return nil, fmt.Errorf("server hello: insufficient data: %d bytes", len(data))
	}
	h.Version = binary.BigEndian.Uint16(data[0:2])
	copy(h.Random[:], data[2:2+RandomSize])
	off := 2 + RandomSize

	slen := int(data[off])
	off++
	if slen > MaxSessionIDSize || off+slen > len(data) {
		return nil, fmt.Errorf("server hello: session id length %d out of bounds", slen)
	}
	h.SessionID = data[off : off+slen]
	off += slen

	if off+3 > len(data) {
		return nil, fmt.Errorf("server hello: truncated before cipher suite")
	}
	h.CipherSuite = binary.BigEndian.Uint16(data[off : off+2])
	h.CompressionMethod = data[off+2]
	return h, nil
}

// AppendHelloVerifyRequest appends the encoded body to dst and returns the result.
func AppendHelloVerifyRequest(dst []byte, h *HelloVerifyRequest) ([]byte, error) {
	if len(h.Cookie) > MaxCookieSize {
		return dst, fmt.Errorf("hello verify: cookie too long: %d bytes", len(h.Cookie))
	}
	var v2 [2]byte
	binary.BigEndian.PutUint16(v2[:], h.Version)
	dst = append(dst, v2[:]...)
	dst = append(dst, byte(len(h.Cookie)))
	dst = append(dst, h.Cookie...)
	return dst, nil
}

// DecodeHelloVerifyRequest decodes a HELLO_VERIFY_REQUEST body.
func DecodeHelloVerifyRequest(data []byte) (*HelloVerifyRequest, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("hello verify: insufficient data: %d bytes", len(data))
	}
	h := &HelloVerifyRequest{Version: binary.BigEndian.Uint16(data[0:2])}
	clen := int(data[2])
	if clen > MaxCookieSize || 3+clen > len(data) {
		return nil, fmt.Errorf("hello verify: cookie length %d out of bounds", clen)
	}
	h.Cookie = data[3 : 3+clen]
	return h, nil
}

// AppendClientKeyExchange appends the encoded body to dst and returns the result.
func AppendClientKeyExchange(dst []byte, h *ClientKeyExchange) ([]byte, error) {
	if len(h.Identity) > 0xffff {
		return dst, fmt.Errorf("client key exchange: identity too long: %d bytes", len(h.Identity))
	}
	var v2 [2]byte
	binary.BigEndian.PutUint16(v2[:], uint16(len(h.Identity)))
	dst = append(dst, v2[:]...)
	dst = append(dst, h.Identity...)
	return dst, nil
}

// DecodeClientKeyExchange decodes a PSK CLIENT_KEY_EXCHANGE body.
func DecodeClientKeyExchange(data []byte) (*ClientKeyExchange, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("client key exchange: insufficient data: %d bytes", len(data))
	}
	ilen := int(binary.BigEndian.Uint16(data[0:2]))
	if 2+ilen > len(data) {
		return nil, fmt.Errorf("client key exchange: identity length %d out of bounds", ilen)
	}
	return &ClientKeyExchange{Identity: data[2 : 2+ilen]}, nil
}

// AppendFinished appends the encoded body to dst and returns the result.
func AppendFinished(dst []byte, h *Finished) ([]byte, error) {
	return append(dst, h.VerifyData[:]...), nil
}

// DecodeFinished decodes a FINISHED body.
func DecodeFinished(data []byte) (*Finished, error) {
	if len(data) != FinishedSize {
		return nil, fmt.Errorf("finished: verify data length %d, want %d", len(data), FinishedSize)
	}
	h := &Finished{}
	copy(h.VerifyData[:], data)
	return h, nil
}

// AppendAlert appends the encoded alert to dst and returns the result.
func AppendAlert(dst []byte, a Alert) []byte {
	return append(dst, a.Level, a.Description)
}

// DecodeAlert decodes an alert payload.
func DecodeAlert(data []byte) (Alert, error) {
	if len(data) < 2 {
		return Alert{}, fmt.Errorf("alert: insufficient data: %d bytes", len(data))
	}
	return Alert{Level: data[0], Description: data[1]}, nil
}
