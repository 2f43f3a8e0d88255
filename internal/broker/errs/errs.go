// Package errs names the error taxonomy used across the broker so callers
// can errors.Is/errors.As instead of matching on message text.
package errs

import "errors"

// Sentinel classes. Wrap these with fmt.Errorf("...: %w", ErrX) for context.
var (
	// ErrConfig covers bad CLI input, a pre-existing socket path, or an
	// invalid backing mailbox file. Fatal at startup.
	ErrConfig = errors.New("config error")

	// ErrHandshake covers protocol version mismatch, id exhaustion, or
	// ancillary-data framing failure during the client/server handshake.
	ErrHandshake = errors.New("handshake error")

	// ErrResource covers eventfd creation or sendmsg failure for a
	// specific peer. Only that peer's handshake fails.
	ErrResource = errors.New("resource error")

	// ErrPayload covers an oversized or malformed mailslot payload.
	ErrPayload = errors.New("payload error")

	// ErrTag covers an acknowledgment referencing an unknown correlation tag.
	ErrTag = errors.New("tag error")

	// ErrPeerLost covers a peer socket reaching EOF or a broken pipe.
	ErrPeerLost = errors.New("peer lost")
)

// IsFatal reports whether err should abort broker startup rather than be
// scoped to a single peer.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfig)
}
