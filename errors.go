package dgram

import "errors"

// Error kinds surfaced by the package, per the error handling policy: config
// and API-misuse errors are returned immediately to the caller; I/O errors
// from Tick propagate and abort the current pass; malformed inbound packets
// are never surfaced as errors, they are silently discarded.
var (
	// ErrTooManyChannels is returned by Bind when EndpointConfig.Channels
	// has more than 252 entries.
	ErrTooManyChannels = errors.New("dgram: too many channels (max 252)")

	// ErrMessageTooLong is returned by the socket adapter's write when the
	// staged buffer would exceed MaxMessageSize.
	ErrMessageTooLong = errors.New("dgram: message too long")

	// ErrSendOnReceiveChannel is returned when Send targets a channel
	// configured as a receive-only discipline.
	ErrSendOnReceiveChannel = errors.New("dgram: cannot send on a receive channel")

	// ErrAddressNotConnected is returned by Send when the peer has no
	// tracked Connection.
	ErrAddressNotConnected = errors.New("dgram: address not connected")

	// ErrInvalidChannelId is returned when a channel id is out of range of
	// the configured channel list.
	ErrInvalidChannelId = errors.New("dgram: invalid channel id")

	// ErrSendSingleInvalid is returned by SendSingle unless exactly one
	// connection is tracked.
	ErrSendSingleInvalid = errors.New("dgram: send_single requires exactly one connection")
)
