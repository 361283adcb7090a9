package dtls

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/duskmesh/duskmesh/shared/crypto"
	"github.com/duskmesh/duskmesh/shared/wire"
)

// buildHandshake serializes a complete, unfragmented handshake message.
func buildHandshake(msgType byte, mseq uint16, body []byte) []byte {
	msg := make([]byte, wire.HandshakeHeaderSize+len(body))
	wire.EncodeHandshakeHeader(msg, wire.HandshakeHeader{
		MsgType:        msgType,
		Length:         uint32(len(body)),
		MessageSeq:     mseq,
		FragmentOffset: 0,
		FragmentLength: uint32(len(body)),
	})
	copy(msg[wire.HandshakeHeaderSize:], body)
	return msg
}

// sendHandshake numbers, optionally hashes, records in the current flight,
// and transmits one handshake message.
func (c *Context) sendHandshake(p *peer, epoch uint16, msgType byte, body []byte, transcript bool) error {
	msg := buildHandshake(msgType, p.mseq, body)
	p.mseq++
	if transcript {
		p.transcript.Write(msg)
	}
	p.flight = append(p.flight, flightMsg{contentType: wire.ContentHandshake, epoch: epoch, payload: msg})
	return c.sendRecord(p, wire.ContentHandshake, epoch, msg)
}

func (c *Context) sendChangeCipherSpec(p *peer) error {
	payload := []byte{1}
	p.flight = append(p.flight, flightMsg{contentType: wire.ContentChangeCipherSpec, epoch: p.epoch, payload: payload})
	return c.sendRecord(p, wire.ContentChangeCipherSpec, p.epoch, payload)
}

// beginFlight starts collecting a new retransmittable flight.
func (c *Context) beginFlight(p *peer) {
	p.flight = p.flight[:0]
	p.retransmits = 0
}

func (c *Context) endFlight(p *peer) {
	p.flightAt = c.now()
}

// retransmitFlight re-sends the last flight verbatim. Record sequence
// numbers are freshly assigned; the handshake payloads are byte-identical.
func (c *Context) retransmitFlight(p *peer) error {
	if len(p.flight) == 0 {
		return nil
	}
	for _, m := range p.flight {
		if err := c.sendRecord(p, m.contentType, m.epoch, m.payload); err != nil {
			return err
		}
	}
	p.flightAt = c.now()
	p.retransmits++
	return nil
}

// generateRandom fills a hello random: a coarse timestamp followed by 28
// uniform bytes.
func (c *Context) generateRandom(r *[wire.RandomSize]byte) error {
	binary.BigEndian.PutUint32(r[:4], uint32(c.now().Unix()))
	if _, err := io.ReadFull(c.rand, r[4:]); err != nil {
		return fmt.Errorf("hello random: %w", err)
	}
	return nil
}

// clientHello sends the client's hello. With a nil cookie this is the very
// first flight of a fresh peer; otherwise it echoes a hello-verify cookie.
// The cookie-less hello and the verify exchange stay out of the transcript,
// which restarts at the cookie-bearing hello.
func (c *Context) clientHello(p *peer, cookie []byte) error {
	sp := &p.params[1]
	if cookie == nil {
		if err := c.generateRandom(&sp.clientRandom); err != nil {
			return err
		}
	}
	body, err := wire.AppendClientHello(nil, &wire.ClientHello{
		Version:            wire.Version,
		Random:             sp.clientRandom,
		Cookie:             cookie,
		CipherSuites:       []uint16{wire.SuitePSKAES128CCM8},
		CompressionMethods: []byte{wire.CompressionNull},
	})
	if err != nil {
		return err
	}
	inTranscript := cookie != nil
	if inTranscript {
		p.resetTranscript()
	}
	c.beginFlight(p)
	if err := c.sendHandshake(p, 0, wire.HandshakeClientHello, body, inTranscript); err != nil {
		return err
	}
	c.endFlight(p)
	p.state = StateClientHelloSent
	return nil
}

// handleHandshakeData walks the handshake messages packed into one record,
// reassembling fragments and enforcing message-sequence order. Receipt of a
// message the engine has already advanced past triggers a verbatim
// retransmission of the last flight.
func (c *Context) handleHandshakeData(p *peer, data []byte) error {
	retransmitted := false
	for len(data) >= wire.HandshakeHeaderSize {
		hh, err := wire.DecodeHandshakeHeader(data)
		if err != nil {
			return nil
		}
		fl := int(hh.FragmentLength)
		if wire.HandshakeHeaderSize+fl > len(data) {
			return nil
		}
		rec := data[:wire.HandshakeHeaderSize+fl]
		frag := rec[wire.HandshakeHeaderSize:]
		data = data[wire.HandshakeHeaderSize+fl:]

		if hh.MsgType == wire.HandshakeHelloRequest {
			continue
		}
		if hh.MessageSeq < p.mseqIn {
			// the peer is resending a processed message; it must have
			// missed our reply flight. A duplicate finished reaching a
			// connected peer needs no answer: the sender is not waiting
			// on us, it is answering our own duplicates.
			if p.state == StateConnected && hh.MsgType == wire.HandshakeFinished {
				continue
			}
			if !retransmitted {
				if err := c.retransmitFlight(p); err != nil {
					return err
				}
				retransmitted = true
			}
			continue
		}
		if hh.MessageSeq > p.mseqIn {
			// out of order; the peer's retransmission will close the gap
			continue
		}

		var body, raw []byte
		if hh.FragmentOffset == 0 && hh.FragmentLength == hh.Length {
			body = frag
			raw = rec
		} else {
			if p.frag == nil || p.frag.seq != hh.MessageSeq || p.frag.msgType != hh.MsgType {
				p.frag = newFragBuffer(hh)
			}
			if !p.frag.add(hh, frag) {
				continue
			}
			body = p.frag.buf
			raw = buildHandshake(hh.MsgType, hh.MessageSeq, body)
			p.frag = nil
		}

		if err := c.handleHandshakeMessage(p, hh, body, raw); err != nil {
			return err
		}
		if c.peers[p.session] != p {
			// the message tore the peer down; stop feeding it
			return nil
		}
	}
	return nil
}

func (c *Context) handleHandshakeMessage(p *peer, hh wire.HandshakeHeader, body, raw []byte) error {
	switch hh.MsgType {
	case wire.HandshakeClientHello:
		return c.onClientHello(p, hh, body, raw)
	case wire.HandshakeHelloVerifyRequest:
		return c.onHelloVerifyRequest(p, hh, body)
	case wire.HandshakeServerHello:
		return c.onServerHello(p, hh, body, raw)
	case wire.HandshakeServerHelloDone:
		return c.onServerHelloDone(p, hh, raw)
	case wire.HandshakeClientKeyExchange:
		return c.onClientKeyExchange(p, hh, body, raw)
	case wire.HandshakeFinished:
		return c.onFinished(p, hh, body, raw)
	default:
		return c.fatal(p, wire.AlertUnexpectedMessage, ErrUnexpectedMessage)
	}
}

// onClientHello processes the cookie-verified hello of a freshly admitted
// peer. Cookie-less hellos never reach this point; admission answers them
// statelessly.
func (c *Context) onClientHello(p *peer, hh wire.HandshakeHeader, body, raw []byte) error {
	if p.role != roleServer || p.state != StateInit {
		return c.fatal(p, wire.AlertUnexpectedMessage, ErrUnexpectedMessage)
	}
	hello, err := wire.DecodeClientHello(body)
	if err != nil {
		return nil
	}

	suiteOK := false
	for _, cs := range hello.CipherSuites {
		if cs == wire.SuitePSKAES128CCM8 {
			suiteOK = true
			break
		}
	}
	compressionOK := false
	for _, cm := range hello.CompressionMethods {
		if cm == wire.CompressionNull {
			compressionOK = true
			break
		}
	}
	if !suiteOK || !compressionOK {
		return c.fatal(p, wire.AlertHandshakeFailure, ErrHandshakeFailure)
	}

	sp := &p.params[1]
	sp.suite = wire.SuitePSKAES128CCM8
	sp.compression = wire.CompressionNull
	sp.clientRandom = hello.Random
	if err := c.generateRandom(&sp.serverRandom); err != nil {
		return c.fatal(p, wire.AlertInternalError, ErrInternal)
	}

	p.resetTranscript()
	p.transcript.Write(raw)
	p.mseqIn = hh.MessageSeq + 1

	shBody, err := wire.AppendServerHello(nil, &wire.ServerHello{
		Version:           wire.Version,
		Random:            sp.serverRandom,
		CipherSuite:       sp.suite,
		CompressionMethod: sp.compression,
	})
	if err != nil {
		return c.fatal(p, wire.AlertInternalError, ErrInternal)
	}

	c.beginFlight(p)
	if err := c.sendHandshake(p, 0, wire.HandshakeServerHello, shBody, true); err != nil {
		return err
	}
	if err := c.sendHandshake(p, 0, wire.HandshakeServerHelloDone, nil, true); err != nil {
		return err
	}
	c.endFlight(p)
	p.state = StateServerHelloSent
	return nil
}

func (c *Context) onHelloVerifyRequest(p *peer, hh wire.HandshakeHeader, body []byte) error {
	if p.role != roleClient || p.state != StateClientHelloSent {
		return c.fatal(p, wire.AlertUnexpectedMessage, ErrUnexpectedMessage)
	}
	hvr, err := wire.DecodeHelloVerifyRequest(body)
	if err != nil {
		return nil
	}
	p.mseqIn = hh.MessageSeq + 1
	return c.clientHello(p, hvr.Cookie)
}

func (c *Context) onServerHello(p *peer, hh wire.HandshakeHeader, body, raw []byte) error {
	if p.role != roleClient || p.state != StateClientHelloSent {
		return c.fatal(p, wire.AlertUnexpectedMessage, ErrUnexpectedMessage)
	}
	sh, err := wire.DecodeServerHello(body)
	if err != nil {
		return nil
	}
	if sh.Version != wire.Version || sh.CipherSuite != wire.SuitePSKAES128CCM8 ||
		sh.CompressionMethod != wire.CompressionNull {
		return c.fatal(p, wire.AlertHandshakeFailure, ErrHandshakeFailure)
	}
	sp := &p.params[1]
	sp.suite = sh.CipherSuite
	sp.compression = sh.CompressionMethod
	sp.serverRandom = sh.Random

	p.transcript.Write(raw)
	p.mseqIn = hh.MessageSeq + 1
	p.state = StateWaitServerHelloDone
	return nil
}

// onServerHelloDone releases the client's second flight: key exchange,
// cipher change, and finished.
func (c *Context) onServerHelloDone(p *peer, hh wire.HandshakeHeader, raw []byte) error {
	if p.role != roleClient || p.state != StateWaitServerHelloDone {
		return c.fatal(p, wire.AlertUnexpectedMessage, ErrUnexpectedMessage)
	}
	p.transcript.Write(raw)
	p.mseqIn = hh.MessageSeq + 1

	psk, err := c.handler.LookupKey(c, p.session, nil)
	if err != nil {
		return c.fatal(p, wire.AlertHandshakeFailure, fmt.Errorf("%w: %v", ErrKeyNotFound, err))
	}
	p.identity = append([]byte(nil), psk.Identity...)

	ckeBody, err := wire.AppendClientKeyExchange(nil, &wire.ClientKeyExchange{Identity: psk.Identity})
	if err != nil {
		return c.fatal(p, wire.AlertInternalError, ErrInternal)
	}

	c.beginFlight(p)
	if err := c.sendHandshake(p, 0, wire.HandshakeClientKeyExchange, ckeBody, true); err != nil {
		return err
	}
	if err := p.deriveKeys(psk.Key); err != nil {
		return c.fatal(p, wire.AlertInternalError, ErrInternal)
	}
	if err := c.sendChangeCipherSpec(p); err != nil {
		return err
	}
	p.epoch = 1

	verify := crypto.PRF(p.params[1].masterSecret[:], finishedLabel(roleClient), p.transcriptSum(), wire.FinishedSize)
	if err := c.sendHandshake(p, 1, wire.HandshakeFinished, verify, true); err != nil {
		return err
	}
	c.endFlight(p)
	p.state = StateWaitServerFinished
	return nil
}

func (c *Context) onClientKeyExchange(p *peer, hh wire.HandshakeHeader, body, raw []byte) error {
	if p.role != roleServer || p.state != StateServerHelloSent {
		return c.fatal(p, wire.AlertUnexpectedMessage, ErrUnexpectedMessage)
	}
	cke, err := wire.DecodeClientKeyExchange(body)
	if err != nil {
		return nil
	}
	psk, err := c.handler.LookupKey(c, p.session, cke.Identity)
	if err != nil {
		return c.fatal(p, wire.AlertHandshakeFailure, fmt.Errorf("%w: %v", ErrKeyNotFound, err))
	}
	p.identity = append([]byte(nil), cke.Identity...)

	p.transcript.Write(raw)
	p.mseqIn = hh.MessageSeq + 1

	if err := p.deriveKeys(psk.Key); err != nil {
		return c.fatal(p, wire.AlertInternalError, ErrInternal)
	}
	p.state = StateKeyExchangeReceived
	return nil
}

// onFinished verifies the peer's transcript binding. The record layer only
// lets a finished through once the read epoch advanced past the peer's
// cipher-change, so the message is already authenticated under the new keys.
func (c *Context) onFinished(p *peer, hh wire.HandshakeHeader, body, raw []byte) error {
	if p.readEpoch != 1 {
		return nil
	}
	fin, err := wire.DecodeFinished(body)
	if err != nil {
		return nil
	}
	sp := &p.params[1]

	switch {
	case p.role == roleClient && p.state == StateWaitServerFinished:
		expected := crypto.PRF(sp.masterSecret[:], finishedLabel(roleServer), p.transcriptSum(), wire.FinishedSize)
		if !crypto.Equal(expected, fin.VerifyData[:]) {
			return c.fatal(p, wire.AlertDecryptError, ErrHandshakeFailure)
		}
		p.transcript.Write(raw)
		p.mseqIn = hh.MessageSeq + 1
		p.state = StateConnected
		c.handler.Event(c, p.session, 0, EventConnected)
		return nil

	case p.role == roleServer && p.state == StateKeyExchangeReceived:
		expected := crypto.PRF(sp.masterSecret[:], finishedLabel(roleClient), p.transcriptSum(), wire.FinishedSize)
		if !crypto.Equal(expected, fin.VerifyData[:]) {
			return c.fatal(p, wire.AlertDecryptError, ErrHandshakeFailure)
		}
		p.transcript.Write(raw)
		p.mseqIn = hh.MessageSeq + 1

		c.beginFlight(p)
		if err := c.sendChangeCipherSpec(p); err != nil {
			return err
		}
		p.epoch = 1
		verify := crypto.PRF(sp.masterSecret[:], finishedLabel(roleServer), p.transcriptSum(), wire.FinishedSize)
		if err := c.sendHandshake(p, 1, wire.HandshakeFinished, verify, true); err != nil {
			return err
		}
		c.endFlight(p)
		p.state = StateConnected
		c.handler.Event(c, p.session, 0, EventConnected)
		return nil

	default:
		return c.fatal(p, wire.AlertUnexpectedMessage, ErrUnexpectedMessage)
	}
}
