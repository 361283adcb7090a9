package dtls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"hash"
	"time"

	"github.com/duskmesh/duskmesh/shared/crypto"
	"github.com/duskmesh/duskmesh/shared/wire"
)

// State is the handshake phase of one peer.
type State int

const (
	StateInit State = iota
	StateClientHelloSent
	StateWaitServerHelloDone
	StateWaitServerFinished
	StateServerHelloSent
	StateKeyExchangeReceived
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateClientHelloSent:
		return "CLIENT_HELLO_SENT"
	case StateWaitServerHelloDone:
		return "WAIT_SERVER_HELLO_DONE"
	case StateWaitServerFinished:
		return "WAIT_SERVER_FINISHED"
	case StateServerHelloSent:
		return "SERVER_HELLO_SENT"
	case StateKeyExchangeReceived:
		return "KEY_EXCHANGE_RECEIVED"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type role int

const (
	roleClient role = iota
	roleServer
)

const (
	masterSecretSize = 48
	writeKeySize     = 16
	writeIVSize      = 4

	// key block layout for AES-128-CCM-8: no MAC keys, two bulk keys, two IVs
	keyBlockSize = 2*writeKeySize + 2*writeIVSize

	// maxSequence is the largest representable 48-bit record sequence
	maxSequence = 1<<48 - 1
)

// securityParams is one slot of negotiated parameters. A peer carries two
// slots; the slot for epoch e is params[e&1], so the pending parameters
// derived during a handshake never clobber the ones protecting epoch-0
// traffic still in flight.
type securityParams struct {
	suite        uint16
	compression  byte
	masterSecret [masterSecretSize]byte
	clientRandom [wire.RandomSize]byte
	serverRandom [wire.RandomSize]byte

	writeAEAD cipher.AEAD
	readAEAD  cipher.AEAD
	writeIV   [writeIVSize]byte
	readIV    [writeIVSize]byte
}

func (sp *securityParams) valid() bool { return sp.writeAEAD != nil }

// flightMsg is one element of a retransmittable handshake flight: the exact
// payload previously sent and the epoch under which to protect it again.
type flightMsg struct {
	contentType byte
	epoch       uint16
	payload     []byte
}

// peer holds the security parameters, handshake state and record counters
// for one session.
type peer struct {
	session Session
	role    role
	state   State

	epoch     uint16    // current sending epoch
	seq       [2]uint64 // next outbound record sequence, per epoch slot
	readEpoch uint16
	window    replayWindow

	mseq   uint16 // next outbound handshake message_seq
	mseqIn uint16 // next expected inbound handshake message_seq

	transcript hash.Hash
	params     [2]securityParams

	identity []byte // PSK identity in use for this session

	badRecords int

	flight      []flightMsg
	flightAt    time.Time
	retransmits int

	frag    *fragBuffer
	pending *pendingRecord
}

// pendingRecord buffers a single record from the next read epoch until the
// change-cipher-spec that activates it arrives.
type pendingRecord struct {
	header   wire.RecordHeader
	fragment []byte
}

func newPeer(s Session, r role) *peer {
	return &peer{
		session:    s,
		role:       r,
		state:      StateInit,
		transcript: sha256.New(),
	}
}

// resetTranscript restarts the running handshake hash. The cookie exchange
// is excluded from the transcript, so both sides reset when the cookie-bearing
// client hello is sent or received.
func (p *peer) resetTranscript() {
	p.transcript.Reset()
}

func (p *peer) transcriptSum() []byte {
	return p.transcript.Sum(nil)
}

// pskPremaster builds the pre-master secret for plain PSK key exchange:
// a zero block the size of the key, then the key itself, each with a
// two-byte length prefix.
func pskPremaster(key []byte) []byte {
	n := len(key)
	pre := make([]byte, 2+n+2+n)
	pre[0] = byte(n >> 8)
	pre[1] = byte(n)
	pre[2+n] = byte(n >> 8)
	pre[2+n+1] = byte(n)
	copy(pre[2+n+2:], key)
	return pre
}

// deriveKeys fills the pending parameter slot from the pre-shared key and
// the exchanged randoms: master secret, then the key block partitioned into
// client key, server key, client IV, server IV. Read/write assignment
// follows the peer's role.
func (p *peer) deriveKeys(psk []byte) error {
	sp := &p.params[1]

	pre := pskPremaster(psk)
	seed := make([]byte, 0, 2*wire.RandomSize)
	seed = append(seed, sp.clientRandom[:]...)
	seed = append(seed, sp.serverRandom[:]...)
	master := crypto.PRF(pre, "master secret", seed, masterSecretSize)
	copy(sp.masterSecret[:], master)

	seed = seed[:0]
	seed = append(seed, sp.serverRandom[:]...)
	seed = append(seed, sp.clientRandom[:]...)
	kb := crypto.PRF(sp.masterSecret[:], "key expansion", seed, keyBlockSize)

	clientKey := kb[0:writeKeySize]
	serverKey := kb[writeKeySize : 2*writeKeySize]
	clientIV := kb[2*writeKeySize : 2*writeKeySize+writeIVSize]
	serverIV := kb[2*writeKeySize+writeIVSize:]

	writeKey, readKey := clientKey, serverKey
	writeIV, readIV := clientIV, serverIV
	if p.role == roleServer {
		writeKey, readKey = serverKey, clientKey
		writeIV, readIV = serverIV, clientIV
	}

	var err error
	if sp.writeAEAD, err = newRecordAEAD(writeKey); err != nil {
		return err
	}
	if sp.readAEAD, err = newRecordAEAD(readKey); err != nil {
		return err
	}
	copy(sp.writeIV[:], writeIV)
	copy(sp.readIV[:], readIV)
	return nil
}

func newRecordAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("record cipher: %w", err)
	}
	aead, err := crypto.NewCCM(block, crypto.TagSizeCCM8, crypto.NonceSizeCCM)
	if err != nil {
		return nil, fmt.Errorf("record cipher: %w", err)
	}
	return aead, nil
}

// finishedLabel returns the PRF label for a finished message sent by the
// given role.
func finishedLabel(r role) string {
	if r == roleClient {
		return "client finished"
	}
	return "server finished"
}

// fragBuffer reassembles one fragmented handshake message.
type fragBuffer struct {
	msgType  byte
	seq      uint16
	length   uint32
	buf      []byte
	have     []bool
	received uint32
}

func newFragBuffer(h wire.HandshakeHeader) *fragBuffer {
	return &fragBuffer{
		msgType: h.MsgType,
		seq:     h.MessageSeq,
		length:  h.Length,
		buf:     make([]byte, h.Length),
		have:    make([]bool, h.Length),
	}
}

// add copies one fragment into place. It reports whether the message is now
// complete.
func (f *fragBuffer) add(h wire.HandshakeHeader, data []byte) bool {
	if h.MsgType != f.msgType || h.MessageSeq != f.seq || h.Length != f.length {
		return false
	}
	for i := uint32(0); i < h.FragmentLength; i++ {
		pos := h.FragmentOffset + i
		if !f.have[pos] {
			f.have[pos] = true
			f.received++
		}
		f.buf[pos] = data[i]
	}
	return f.received == f.length
}
