// Package broker implements the MQTT broker's session, routing and QoS
// machinery: the client registry, the topic trie, the message queue, the
// per-client driver loop and the mediator that ties them together.
package broker

import "errors"

// Error kinds from the disposition table: MalformedPacket and
// ProtocolError arrive wrapped from internal/mqtt and are handled there;
// the rest are native to this package.
var (
	// ErrNotAuthorized is returned by the handshake when the credential
	// store rejects the username/password; it replies CONNACK 0x87 and
	// closes.
	ErrNotAuthorized = errors.New("broker: not authorized")

	// ErrDuplicateClientID is returned by the registry when a client-id
	// is already registered, and by the handshake when a CONNECT's
	// client-id matches a registered session that can no longer be
	// restored; the handshake replies CONNACK 0x91 and closes.
	ErrDuplicateClientID = errors.New("broker: duplicate client id")

	// ErrSessionNotResumable is returned when a matching client-id exists
	// but is neither alive nor within its expiry interval.
	ErrSessionNotResumable = errors.New("broker: session not resumable")

	// ErrConnectionAborted marks a socket EOF: the session is retained
	// for its resume window rather than dropped outright.
	ErrConnectionAborted = errors.New("broker: connection aborted")

	// ErrStateExpired and ErrInvalidResolveState are returned by the QoS
	// coordinator (C11); both drop the in-flight state without delivery.
	ErrStateExpired        = errors.New("broker: qos state expired")
	ErrInvalidResolveState = errors.New("broker: invalid qos resolve state")
	ErrAlreadyExists       = errors.New("broker: qos state already exists")
	ErrCoordinatorNotFound = errors.New("broker: qos state not found")

	// ErrNoSubscribers is logged by the observer when a topic has no
	// matching subscriber set; it then continues with the next message.
	ErrNoSubscribers = errors.New("broker: no subscribers for topic")
)

// StorageError wraps a credential-store or client-log failure. Per the
// disposition table it is logged and never fatal to an already
// established session.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "broker: storage " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }
