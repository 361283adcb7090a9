package dtls

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/duskmesh/duskmesh/shared/wire"
)

const (
	// DefaultRetransmitTimeout is the flight age after which NeedsRetransmit
	// reports true. The caller owns the timer and any backoff policy.
	DefaultRetransmitTimeout = 1 * time.Second

	// DefaultBadRecordLimit is the number of undecryptable records tolerated
	// per peer before the session is torn down.
	DefaultBadRecordLimit = 5
)

// Option configures a Context at creation.
type Option func(*Context)

// WithRand overrides the randomness source (testing).
func WithRand(r io.Reader) Option { return func(c *Context) { c.rand = r } }

// WithClock overrides the time source used for cookies, hello randoms and
// retransmit ages (testing).
func WithClock(now func() time.Time) Option { return func(c *Context) { c.now = now } }

// WithCookieRotation sets the cookie secret rotation interval.
func WithCookieRotation(d time.Duration) Option { return func(c *Context) { c.rotation = d } }

// WithRetransmitTimeout sets the flight age threshold for NeedsRetransmit.
func WithRetransmitTimeout(d time.Duration) Option {
	return func(c *Context) { c.retransmitTimeout = d }
}

// WithBadRecordLimit sets the per-peer tolerance for undecryptable records.
func WithBadRecordLimit(n int) Option { return func(c *Context) { c.badRecordLimit = n } }

// WithAppData attaches opaque application data retrievable with App.
func WithAppData(app any) Option { return func(c *Context) { c.app = app } }

type outPacket struct {
	session Session
	data    []byte
}

// Context multiplexes any number of peers over one datagram socket owned by
// the application. A context is confined to a single goroutine: every
// operation runs to completion and drives the Handler callbacks
// synchronously. Contexts share no state with each other.
type Context struct {
	handler Handler
	app     any

	peers map[Session]*peer
	jar   *cookieJar

	sendq []outPacket

	// fixed scratch buffers for record protection; no per-record allocation
	readbuf []byte
	sendbuf []byte

	rand              io.Reader
	now               func() time.Time
	rotation          time.Duration
	retransmitTimeout time.Duration
	badRecordLimit    int
}

// New creates a context with the given callback handler.
func New(h Handler, opts ...Option) (*Context, error) {
	if h == nil {
		return nil, fmt.Errorf("dtls: nil handler")
	}
	c := &Context{
		handler:           h,
		peers:             make(map[Session]*peer),
		readbuf:           make([]byte, 0, wire.MaxRecordSize),
		sendbuf:           make([]byte, wire.MaxRecordSize),
		rand:              rand.Reader,
		now:               time.Now,
		rotation:          DefaultCookieRotation,
		retransmitTimeout: DefaultRetransmitTimeout,
		badRecordLimit:    DefaultBadRecordLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	jar, err := newCookieJar(c.rand, c.rotation, c.now())
	if err != nil {
		return nil, err
	}
	c.jar = jar
	return c, nil
}

// App returns the opaque application data attached to the context.
func (c *Context) App() any { return c.app }

// SetApp replaces the opaque application data.
func (c *Context) SetApp(app any) { c.app = app }

// NumPeers returns the number of sessions currently tracked.
func (c *Context) NumPeers() int { return len(c.peers) }

// Peers lists the tracked sessions in no particular order.
func (c *Context) Peers() []Session {
	out := make([]Session, 0, len(c.peers))
	for s := range c.peers {
		out = append(out, s)
	}
	return out
}

// PeerState reports the handshake phase of a session.
func (c *Context) PeerState(s Session) (State, bool) {
	p, ok := c.peers[s]
	if !ok {
		return StateClosed, false
	}
	return p.state, true
}

// Connect initiates a handshake with dst. It returns nil immediately if a
// session already exists. Completion is signalled through the Event
// callback with EventConnected.
func (c *Context) Connect(dst Session) error {
	if _, ok := c.peers[dst]; ok {
		return nil
	}
	p := newPeer(dst, roleClient)
	c.peers[dst] = p
	if err := c.clientHello(p, nil); err != nil {
		delete(c.peers, dst)
		return err
	}
	return c.drain()
}

// Write protects b as application data for a connected peer. It returns the
// number of cleartext bytes accepted.
func (c *Context) Write(s Session, b []byte) (int, error) {
	p, ok := c.peers[s]
	if !ok || p.state != StateConnected {
		return 0, ErrClosed
	}
	if len(b) > MaxPayloadSize {
		return 0, fmt.Errorf("dtls: payload of %d bytes exceeds record size", len(b))
	}
	if err := c.sendRecord(p, wire.ContentApplicationData, p.epoch, b); err != nil {
		return 0, err
	}
	if err := c.drain(); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close starts the closing handshake for a session. The peer is destroyed
// once the close-notify exchange completes or the peer answers with a fatal
// alert.
func (c *Context) Close(s Session) error {
	p, ok := c.peers[s]
	if !ok {
		return ErrClosed
	}
	if p.state == StateClosing {
		return nil
	}
	c.sendAlert(p, wire.AlertLevelWarning, wire.AlertCloseNotify)
	p.state = StateClosing
	return c.drain()
}

// Reset forcibly destroys a session without notifying the peer.
func (c *Context) Reset(s Session) {
	delete(c.peers, s)
}

// Shutdown closes every session and releases the peer table. The context
// must not be used afterwards.
func (c *Context) Shutdown() error {
	for _, p := range c.peers {
		if p.state == StateConnected {
			c.sendAlert(p, wire.AlertLevelWarning, wire.AlertCloseNotify)
		}
	}
	c.peers = make(map[Session]*peer)
	return c.drain()
}

// NeedsRetransmit reports whether the session's last handshake flight has
// aged past the retransmit timeout. Timer scheduling is the caller's
// responsibility; pair with RetransmitFlight.
func (c *Context) NeedsRetransmit(s Session, now time.Time) bool {
	p, ok := c.peers[s]
	if !ok || len(p.flight) == 0 {
		return false
	}
	switch p.state {
	case StateConnected, StateClosing, StateClosed:
		return false
	}
	return now.Sub(p.flightAt) >= c.retransmitTimeout
}

// RetransmitFlight re-sends the session's last handshake flight verbatim.
func (c *Context) RetransmitFlight(s Session) error {
	p, ok := c.peers[s]
	if !ok {
		return ErrClosed
	}
	if err := c.retransmitFlight(p); err != nil {
		return err
	}
	return c.drain()
}

// FlightCurrent returns copies of the handshake payloads making up the
// session's current flight.
func (c *Context) FlightCurrent(s Session) [][]byte {
	p, ok := c.peers[s]
	if !ok {
		return nil
	}
	out := make([][]byte, len(p.flight))
	for i, m := range p.flight {
		out[i] = append([]byte(nil), m.payload...)
	}
	return out
}

// HandleMessage is the inbound entry point: one datagram as read from the
// socket, holding one or more back-to-back records. Undecodable or
// unverifiable records are dropped without a trace; a fatal protocol error
// stops processing of any records that follow it.
func (c *Context) HandleMessage(s Session, datagram []byte) error {
	var opErr error
	data := datagram
	for len(data) >= wire.RecordHeaderSize {
		hdr, err := wire.DecodeRecordHeader(data)
		if err != nil {
			break
		}
		end := wire.RecordHeaderSize + int(hdr.Length)
		if end > len(data) {
			// length field points past the datagram end
			break
		}
		fragment := data[wire.RecordHeaderSize:end]
		data = data[end:]

		if err := c.handleRecord(s, hdr, fragment); err != nil {
			opErr = err
			break
		}
	}
	if err := c.drain(); err != nil && opErr == nil {
		opErr = err
	}
	return opErr
}

func (c *Context) handleRecord(s Session, hdr wire.RecordHeader, fragment []byte) error {
	if hdr.Version != wire.Version {
		return nil
	}
	switch hdr.ContentType {
	case wire.ContentChangeCipherSpec, wire.ContentAlert, wire.ContentHandshake, wire.ContentApplicationData:
	default:
		// spurious content type: the datagram profile drops the record
		// without giving up on the session
		return nil
	}

	p, ok := c.peers[s]
	if !ok {
		return c.admit(s, hdr, fragment)
	}

	if hdr.Epoch == p.readEpoch+1 {
		// one record from the next epoch may race ahead of the cipher
		// change that activates it
		if p.pending == nil {
			p.pending = &pendingRecord{
				header:   hdr,
				fragment: append([]byte(nil), fragment...),
			}
		}
		return nil
	}
	if hdr.Epoch != p.readEpoch {
		return nil
	}
	return c.processRecord(p, hdr, fragment)
}

// processRecord runs the replay check and record unprotection, then hands
// the cleartext to the matching protocol handler.
func (c *Context) processRecord(p *peer, hdr wire.RecordHeader, fragment []byte) error {
	if !p.window.accept(hdr.Sequence) {
		return nil
	}

	plaintext, err := c.unprotect(p, hdr, fragment)
	if err != nil {
		if hdr.Epoch == 1 && (p.state == StateKeyExchangeReceived || p.state == StateWaitServerFinished) {
			// the only record expected here is the peer's finished; a key
			// mismatch must fail the handshake, not vanish
			return c.fatal(p, wire.AlertDecryptError, ErrHandshakeFailure)
		}
		p.badRecords++
		if p.badRecords >= c.badRecordLimit {
			c.removePeer(p)
		}
		return nil
	}
	p.window.mark(hdr.Sequence)

	switch hdr.ContentType {
	case wire.ContentHandshake:
		return c.handleHandshakeData(p, plaintext)
	case wire.ContentChangeCipherSpec:
		return c.handleChangeCipherSpec(p, plaintext)
	case wire.ContentAlert:
		return c.handleAlert(p, plaintext)
	case wire.ContentApplicationData:
		if p.state != StateConnected {
			return nil
		}
		c.handler.Deliver(c, p.session, plaintext)
		return nil
	}
	return nil
}

// admit performs cookie-based admission control for datagrams from unknown
// sources. Anything but a well-formed client hello is ignored. A hello with
// a missing or stale cookie is answered statelessly; no peer state exists
// until a cookie verifies.
func (c *Context) admit(s Session, hdr wire.RecordHeader, fragment []byte) error {
	if hdr.ContentType != wire.ContentHandshake || hdr.Epoch != 0 {
		return nil
	}
	hh, err := wire.DecodeHandshakeHeader(fragment)
	if err != nil || hh.MsgType != wire.HandshakeClientHello {
		return nil
	}
	if hh.FragmentOffset != 0 || hh.FragmentLength != hh.Length {
		// no reassembly state before admission
		return nil
	}
	if wire.HandshakeHeaderSize+int(hh.FragmentLength) > len(fragment) {
		return nil
	}
	raw := fragment[:wire.HandshakeHeaderSize+int(hh.FragmentLength)]
	body := raw[wire.HandshakeHeaderSize:]

	hello, err := wire.DecodeClientHello(body)
	if err != nil || hello.Version != wire.Version {
		return nil
	}

	if err := c.jar.refresh(c.now()); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if len(hello.Cookie) == 0 || !c.jar.verify(s, hello.Random[:], hello.Cookie) {
		c.sendHelloVerify(s, hdr, hh, hello)
		return nil
	}

	p := newPeer(s, roleServer)
	p.mseq = 1 // the hello-verify consumed the server's message_seq 0
	p.mseqIn = hh.MessageSeq
	// stateless hello-verify replies echoed earlier client record
	// sequences; start above them so the client's replay window does not
	// mistake our first real records for duplicates
	p.seq[0] = hdr.Sequence + 1
	c.peers[s] = p
	return c.handleHandshakeMessage(p, hh, body, raw)
}

// sendHelloVerify answers a cookie-less hello without allocating peer
// state. The record sequence and message sequence echo the hello so the
// reply is reproducible under client retransmission.
func (c *Context) sendHelloVerify(s Session, hdr wire.RecordHeader, hh wire.HandshakeHeader, hello *wire.ClientHello) {
	cookie := c.jar.generate(s, hello.Random[:])
	body, err := wire.AppendHelloVerifyRequest(nil, &wire.HelloVerifyRequest{
		Version: wire.Version,
		Cookie:  cookie[:],
	})
	if err != nil {
		return
	}
	msg := buildHandshake(wire.HandshakeHelloVerifyRequest, hh.MessageSeq, body)

	buf := c.sendbuf[:wire.RecordHeaderSize]
	buf = append(buf, msg...)
	rh := wire.RecordHeader{
		ContentType: wire.ContentHandshake,
		Version:     wire.Version,
		Epoch:       0,
		Sequence:    hdr.Sequence,
		Length:      uint16(len(msg)),
	}
	if err := wire.EncodeRecordHeader(buf[:wire.RecordHeaderSize], rh); err != nil {
		return
	}
	c.enqueue(s, buf)
}

// handleChangeCipherSpec activates the pending read parameters. A buffered
// next-epoch record, if any, is processed immediately afterwards.
func (c *Context) handleChangeCipherSpec(p *peer, payload []byte) error {
	if len(payload) != 1 || payload[0] != 1 {
		return nil
	}
	if p.readEpoch != 0 || !p.params[1].valid() {
		return nil
	}
	if p.state != StateWaitServerFinished && p.state != StateKeyExchangeReceived {
		return nil
	}
	p.readEpoch++
	p.window.reset()

	if pr := p.pending; pr != nil {
		p.pending = nil
		if pr.header.Epoch == p.readEpoch {
			return c.processRecord(p, pr.header, pr.fragment)
		}
	}
	return nil
}

func (c *Context) handleAlert(p *peer, payload []byte) error {
	alert, err := wire.DecodeAlert(payload)
	if err != nil {
		return nil
	}
	c.handler.Event(c, p.session, alert.Level, uint16(alert.Description))

	switch {
	case alert.Description == wire.AlertCloseNotify:
		if p.state != StateClosing {
			c.sendAlert(p, wire.AlertLevelWarning, wire.AlertCloseNotify)
		}
		c.removePeer(p)
	case alert.Level == wire.AlertLevelFatal:
		c.removePeer(p)
	}
	return nil
}

// sendAlert emits an alert record at the peer's current epoch, best effort.
func (c *Context) sendAlert(p *peer, level, desc byte) {
	_ = c.sendRecord(p, wire.ContentAlert, p.epoch, []byte{level, desc})
}

// fatal sends a fatal alert if possible, destroys the peer, and returns err
// to abort the operation in progress.
func (c *Context) fatal(p *peer, desc byte, err error) error {
	c.sendAlert(p, wire.AlertLevelFatal, desc)
	c.removePeer(p)
	return err
}

func (c *Context) removePeer(p *peer) {
	p.state = StateClosed
	delete(c.peers, p.session)
}

// enqueue appends one wire datagram to the transmit queue. The buffer is
// copied; the scratch buffer is reused immediately.
func (c *Context) enqueue(s Session, b []byte) {
	c.sendq = append(c.sendq, outPacket{session: s, data: append([]byte(nil), b...)})
}

// drain flushes the transmit queue in FIFO order through the Transmit
// callback. The queue is cleared regardless of callback failures; the first
// failure is reported to the caller.
func (c *Context) drain() error {
	var firstErr error
	for _, pkt := range c.sendq {
		n, err := c.handler.Transmit(c, pkt.session, pkt.data)
		if err == nil && n < len(pkt.data) {
			err = fmt.Errorf("dtls: short transmit: %d of %d bytes", n, len(pkt.data))
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.sendq = c.sendq[:0]
	return firstErr
}
