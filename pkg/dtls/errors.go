package dtls

import "errors"

var (
	// ErrMalformedRecord indicates a record or handshake message that could
	// not be parsed. Malformed input from the network is dropped silently;
	// this error surfaces only through API misuse.
	ErrMalformedRecord = errors.New("dtls: malformed record")

	// ErrUnsupportedVersion indicates a record with the wrong protocol version
	ErrUnsupportedVersion = errors.New("dtls: unsupported protocol version")

	// ErrUnexpectedMessage indicates a message that violates the handshake
	// state machine after admission
	ErrUnexpectedMessage = errors.New("dtls: unexpected message")

	// ErrBadMAC indicates record authentication failure
	ErrBadMAC = errors.New("dtls: bad record mac")

	// ErrReplay indicates a record rejected by the anti-replay window
	ErrReplay = errors.New("dtls: replayed record")

	// ErrHandshakeFailure indicates the peers could not agree on parameters
	// or a finished verification failed
	ErrHandshakeFailure = errors.New("dtls: handshake failure")

	// ErrInternal indicates a state the engine cannot recover from, such as
	// sequence number exhaustion
	ErrInternal = errors.New("dtls: internal error")

	// ErrClosed indicates an operation on a peer that does not exist or has
	// been shut down
	ErrClosed = errors.New("dtls: session closed")

	// ErrKeyNotFound indicates the key callback had no key for an identity
	ErrKeyNotFound = errors.New("dtls: key not found")
)
