package dtls

import (
	"encoding/binary"

	"github.com/duskmesh/duskmesh/shared/crypto"
	"github.com/duskmesh/duskmesh/shared/wire"
)

const (
	// explicitNonceSize is the sequence part of the CCM nonce carried in
	// front of the ciphertext.
	explicitNonceSize = 8

	recordOverhead = wire.RecordHeaderSize + explicitNonceSize + crypto.TagSizeCCM8

	// MaxPayloadSize is the largest cleartext payload that fits in a single
	// protected record.
	MaxPayloadSize = wire.MaxRecordSize - recordOverhead
)

// sendRecord assigns the record's epoch and sequence, protects the payload
// under the parameters for that epoch, and queues the wire record for
// transmission. Epoch 0 records go out in the clear.
func (c *Context) sendRecord(p *peer, typ byte, epoch uint16, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return ErrInternal
	}
	slot := epoch & 1
	seq := p.seq[slot]
	if seq > maxSequence {
		// sequence space exhausted; the session cannot continue
		c.removePeer(p)
		return ErrInternal
	}
	p.seq[slot]++

	hdr := wire.RecordHeader{
		ContentType: typ,
		Version:     wire.Version,
		Epoch:       epoch,
		Sequence:    seq,
	}

	buf := c.sendbuf[:wire.RecordHeaderSize]
	if epoch == 0 {
		buf = append(buf, payload...)
	} else {
		sp := &p.params[slot]
		if !sp.valid() {
			return ErrInternal
		}
		var nonce [crypto.NonceSizeCCM]byte
		copy(nonce[:writeIVSize], sp.writeIV[:])
		binary.BigEndian.PutUint16(nonce[writeIVSize:writeIVSize+2], epoch)
		wire.PutUint48(nonce[writeIVSize+2:], seq)

		aad := recordAAD(epoch, seq, typ, len(payload))

		buf = append(buf, nonce[writeIVSize:]...) // explicit part of the nonce
		buf = sp.writeAEAD.Seal(buf, nonce[:], payload, aad[:])
	}
	hdr.Length = uint16(len(buf) - wire.RecordHeaderSize)
	if err := wire.EncodeRecordHeader(buf[:wire.RecordHeaderSize], hdr); err != nil {
		return err
	}
	c.enqueue(p.session, buf)
	return nil
}

// unprotect reverses record protection for the parameters of the record's
// epoch. Epoch 0 records are passed through. The returned slice points into
// the context read buffer and is valid until the next record is processed.
func (c *Context) unprotect(p *peer, hdr wire.RecordHeader, fragment []byte) ([]byte, error) {
	if hdr.Epoch == 0 {
		return fragment, nil
	}
	sp := &p.params[hdr.Epoch&1]
	if sp.readAEAD == nil {
		return nil, ErrBadMAC
	}
	if len(fragment) < explicitNonceSize+crypto.TagSizeCCM8 {
		return nil, ErrMalformedRecord
	}

	var nonce [crypto.NonceSizeCCM]byte
	copy(nonce[:writeIVSize], sp.readIV[:])
	copy(nonce[writeIVSize:], fragment[:explicitNonceSize])

	ptLen := len(fragment) - explicitNonceSize - crypto.TagSizeCCM8
	aad := recordAAD(hdr.Epoch, hdr.Sequence, hdr.ContentType, ptLen)

	plaintext, err := sp.readAEAD.Open(c.readbuf[:0], nonce[:], fragment[explicitNonceSize:], aad[:])
	if err != nil {
		return nil, ErrBadMAC
	}
	return plaintext, nil
}

// recordAAD builds the additional data authenticated alongside the record:
// the 64-bit epoch||sequence, the content type, the version, and the
// cleartext length.
func recordAAD(epoch uint16, seq uint64, typ byte, length int) [13]byte {
	var aad [13]byte
	binary.BigEndian.PutUint16(aad[0:2], epoch)
	wire.PutUint48(aad[2:8], seq)
	aad[8] = typ
	binary.BigEndian.PutUint16(aad[9:11], wire.Version)
	binary.BigEndian.PutUint16(aad[11:13], uint16(length))
	return aad
}
