package dtls

import (
	"bytes"
	"testing"

	"github.com/duskmesh/duskmesh/shared/wire"
)

// newKeyedPeers derives matching parameters into a client-role and a
// server-role peer, as if a handshake had completed.
func newKeyedPeers(t *testing.T) (*Context, *peer, *Context, *peer) {
	t.Helper()
	cliCtx, err := New(&funcHandler{})
	if err != nil {
		t.Fatal(err)
	}
	srvCtx, err := New(&funcHandler{})
	if err != nil {
		t.Fatal(err)
	}

	cli := newPeer(testSession("192.0.2.1:1111"), roleClient)
	srv := newPeer(testSession("192.0.2.2:2222"), roleServer)
	for i := 0; i < wire.RandomSize; i++ {
		cli.params[1].clientRandom[i] = byte(i)
		cli.params[1].serverRandom[i] = byte(0x80 + i)
	}
	srv.params[1].clientRandom = cli.params[1].clientRandom
	srv.params[1].serverRandom = cli.params[1].serverRandom

	psk := []byte("secretPSK")
	if err := cli.deriveKeys(psk); err != nil {
		t.Fatal(err)
	}
	if err := srv.deriveKeys(psk); err != nil {
		t.Fatal(err)
	}

	cli.epoch, srv.epoch = 1, 1
	cli.readEpoch, srv.readEpoch = 1, 1
	cliCtx.peers[cli.session] = cli
	srvCtx.peers[srv.session] = srv
	return cliCtx, cli, srvCtx, srv
}

// lastQueued pops the most recent datagram off the context transmit queue.
func lastQueued(t *testing.T, c *Context) []byte {
	t.Helper()
	if len(c.sendq) == 0 {
		t.Fatal("transmit queue empty")
	}
	pkt := c.sendq[len(c.sendq)-1]
	c.sendq = c.sendq[:0]
	return pkt.data
}

func TestRecordProtectRoundTrip(t *testing.T) {
	cliCtx, cli, srvCtx, srv := newKeyedPeers(t)
	msg := []byte("the quick brown fox")

	if err := cliCtx.sendRecord(cli, wire.ContentApplicationData, 1, msg); err != nil {
		t.Fatalf("sendRecord() error = %v", err)
	}
	datagram := lastQueued(t, cliCtx)

	hdr, err := wire.DecodeRecordHeader(datagram)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Epoch != 1 || hdr.Sequence != 0 {
		t.Errorf("epoch/seq = %d/%d, want 1/0", hdr.Epoch, hdr.Sequence)
	}
	fragment := datagram[wire.RecordHeaderSize:]
	if len(fragment) != explicitNonceSize+len(msg)+8 {
		t.Errorf("fragment length = %d, want %d", len(fragment), explicitNonceSize+len(msg)+8)
	}
	if bytes.Contains(fragment, msg) {
		t.Error("cleartext visible in protected record")
	}

	plaintext, err := srvCtx.unprotect(srv, hdr, fragment)
	if err != nil {
		t.Fatalf("unprotect() error = %v", err)
	}
	if !bytes.Equal(plaintext, msg) {
		t.Errorf("unprotect = %q, want %q", plaintext, msg)
	}
}

func TestRecordSequenceIncrements(t *testing.T) {
	cliCtx, cli, _, _ := newKeyedPeers(t)
	for want := uint64(0); want < 5; want++ {
		if err := cliCtx.sendRecord(cli, wire.ContentApplicationData, 1, []byte("x")); err != nil {
			t.Fatal(err)
		}
		hdr, err := wire.DecodeRecordHeader(lastQueued(t, cliCtx))
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Sequence != want {
			t.Fatalf("sequence = %d, want %d", hdr.Sequence, want)
		}
	}
}

func TestRecordTamperRejected(t *testing.T) {
	cliCtx, cli, srvCtx, srv := newKeyedPeers(t)
	msg := []byte("integrity matters")
	if err := cliCtx.sendRecord(cli, wire.ContentApplicationData, 1, msg); err != nil {
		t.Fatal(err)
	}
	datagram := lastQueued(t, cliCtx)
	hdr, err := wire.DecodeRecordHeader(datagram)
	if err != nil {
		t.Fatal(err)
	}

	for i := wire.RecordHeaderSize; i < len(datagram); i++ {
		mutated := bytes.Clone(datagram)
		mutated[i] ^= 0x01
		if _, err := srvCtx.unprotect(srv, hdr, mutated[wire.RecordHeaderSize:]); err == nil {
			t.Fatalf("unprotect() accepted record with byte %d flipped", i)
		}
	}
}

func TestRecordHeaderBoundToCiphertext(t *testing.T) {
	cliCtx, cli, srvCtx, srv := newKeyedPeers(t)
	if err := cliCtx.sendRecord(cli, wire.ContentApplicationData, 1, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	datagram := lastQueued(t, cliCtx)
	hdr, err := wire.DecodeRecordHeader(datagram)
	if err != nil {
		t.Fatal(err)
	}

	// the header is authenticated as additional data; rewriting the content
	// type must break verification
	hdr.ContentType = wire.ContentHandshake
	if _, err := srvCtx.unprotect(srv, hdr, datagram[wire.RecordHeaderSize:]); err == nil {
		t.Error("unprotect() accepted record with rewritten content type")
	}
}

func TestRecordEpochZeroPassthrough(t *testing.T) {
	cliCtx, cli, srvCtx, srv := newKeyedPeers(t)
	cli.epoch = 0
	msg := []byte("hello in the clear")
	if err := cliCtx.sendRecord(cli, wire.ContentHandshake, 0, msg); err != nil {
		t.Fatal(err)
	}
	datagram := lastQueued(t, cliCtx)
	hdr, err := wire.DecodeRecordHeader(datagram)
	if err != nil {
		t.Fatal(err)
	}
	if int(hdr.Length) != len(msg) {
		t.Fatalf("length = %d, want %d", hdr.Length, len(msg))
	}
	plaintext, err := srvCtx.unprotect(srv, hdr, datagram[wire.RecordHeaderSize:])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plaintext, msg) {
		t.Errorf("unprotect = %q, want %q", plaintext, msg)
	}
}

func TestRecordTooShortFragment(t *testing.T) {
	_, _, srvCtx, srv := newKeyedPeers(t)
	hdr := wire.RecordHeader{
		ContentType: wire.ContentApplicationData,
		Version:     wire.Version,
		Epoch:       1,
		Sequence:    0,
		Length:      4,
	}
	if _, err := srvCtx.unprotect(srv, hdr, []byte{1, 2, 3, 4}); err == nil {
		t.Error("unprotect() accepted fragment shorter than nonce+tag")
	}
}
