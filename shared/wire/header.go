package wire

import (
	"encoding/binary"
	"fmt"
)

// Uint24 reads a 24-bit big-endian integer from the first three bytes of b.
func Uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// PutUint24 writes a 24-bit big-endian integer into the first three bytes of b.
func PutUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

// Uint48 reads a 48-bit big-endian integer from the first six bytes of b.
func Uint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

// PutUint48 writes a 48-bit big-endian integer into the first six bytes of b.
func PutUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

// RecordHeader is the record-layer framing shared by all content types.
// Format: [Type:1][Version:2][Epoch:2][Sequence:6][Length:2] = 13 bytes
type RecordHeader struct {
	ContentType byte
	Version     uint16
	Epoch       uint16
	Sequence    uint64 // 48-bit on the wire
	Length      uint16
}

// EncodeRecordHeader encodes h into dst, which must hold RecordHeaderSize bytes.
func EncodeRecordHeader(dst []byte, h RecordHeader) error {
	if len(dst) < RecordHeaderSize {
		return fmt.Errorf("record header: buffer too small: got %d bytes, need %d", len(dst), RecordHeaderSize)
	}
	dst[0] = h.ContentType
	binary.BigEndian.PutUint16(dst[1:3], h.Version)
	binary.BigEndian.PutUint16(dst[3:5], h.Epoch)
	PutUint48(dst[5:11], h.Sequence)
	binary.BigEndian.PutUint16(dst[11:13], h.Length)
	return nil
}

// DecodeRecordHeader decodes a record header from data. It validates only
// structure; version and content-type policy belong to the caller.
func DecodeRecordHeader(data []byte) (RecordHeader, error) {
	if len(data) < RecordHeaderSize {
		return RecordHeader{}, fmt.Errorf("record header: insufficient data: got %d bytes, need %d", len(data), RecordHeaderSize)
	}
	return RecordHeader{
		ContentType: data[0],
		Version:     binary.BigEndian.Uint16(data[1:3]),
		Epoch:       binary.BigEndian.Uint16(data[3:5]),
		Sequence:    Uint48(data[5:11]),
		Length:      binary.BigEndian.Uint16(data[11:13]),
	}, nil
}

// HandshakeHeader is the handshake-layer framing carried inside handshake
// records. Fragmented messages share Length and MessageSeq and differ in
// FragmentOffset/FragmentLength.
// Format: [Type:1][Length:3][MessageSeq:2][FragmentOffset:3][FragmentLength:3] = 12 bytes
type HandshakeHeader struct {
	MsgType        byte
	Length         uint32 // 24-bit on the wire
	MessageSeq     uint16
	FragmentOffset uint32 // 24-bit on the wire
	FragmentLength uint32 // 24-bit on the wire
}

// EncodeHandshakeHeader encodes h into dst, which must hold
// HandshakeHeaderSize bytes.
func EncodeHandshakeHeader(dst []byte, h HandshakeHeader) error {
	if len(dst) < HandshakeHeaderSize {
		return fmt.Errorf("handshake header: buffer too small: got %d bytes, need %d", len(dst), HandshakeHeaderSize)
	}
	dst[0] = h.MsgType
	PutUint24(dst[1:4], h.Length)
	binary.BigEndian.PutUint16(dst[4:6], h.MessageSeq)
	PutUint24(dst[6:9], h.FragmentOffset)
	PutUint24(dst[9:12], h.FragmentLength)
	return nil
}

// DecodeHandshakeHeader decodes a handshake header from data and checks the
// fragment bounds against the message length.
func DecodeHandshakeHeader(data []byte) (HandshakeHeader, error) {
	if len(data) < HandshakeHeaderSize {
		return HandshakeHeader{}, fmt.Errorf("handshake header: insufficient data: got %d bytes, need %d", len(data), HandshakeHeaderSize)
	}
	h := HandshakeHeader{
		MsgType:        data[0],
		Length:         Uint24(data[1:4]),
		MessageSeq:     binary.BigEndian.Uint16(data[4:6]),
		FragmentOffset: Uint24(data[6:9]),
		FragmentLength: Uint24(data[9:12]),
	}
	if h.FragmentOffset+h.FragmentLength > h.Length {
		return h, fmt.Errorf("handshake header: fragment %d+%d exceeds message length %d",
			h.FragmentOffset, h.FragmentLength, h.Length)
	}
	if h.Length > MaxHandshakeSize {
		return h, fmt.Errorf("handshake header: message too large: %d bytes (max %d)", h.Length, MaxHandshakeSize)
	}
	return h, nil
}

// String returns a human-readable representation of the record header
func (h RecordHeader) String() string {
	return fmt.Sprintf("RecordHeader{Type: %s (%d), Version: 0x%04x, Epoch: %d, Seq: %d, Length: %d}",
		ContentTypeName(h.ContentType), h.ContentType, h.Version, h.Epoch, h.Sequence, h.Length)
}

// String returns a human-readable representation of the handshake header
func (h HandshakeHeader) String() string {
	return fmt.Sprintf("HandshakeHeader{Type: %s (%d), Length: %d, Seq: %d, FragOff: %d, FragLen: %d}",
		HandshakeTypeName(h.MsgType), h.MsgType, h.Length, h.MessageSeq, h.FragmentOffset, h.FragmentLength)
}
