package client

import (
	"errors"
	"fmt"

	"github.com/aeolun/crosschat/pkg/protocol"
)

var (
	// ErrConnectionReset is returned to waiters when the connection
	// drops before their response arrives
	ErrConnectionReset = errors.New("connection reset")

	// ErrNotConnected is returned when an operation needs a live
	// connection and there is none
	ErrNotConnected = errors.New("not connected")

	// ErrNotAuthenticated is returned for operations that require a
	// completed authentication
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrUnexpectedResponse is returned when the server answers a
	// request with the wrong response kind
	ErrUnexpectedResponse = errors.New("unexpected response kind")

	// ErrNoCredential means no account key is stored for this server
	ErrNoCredential = errors.New("no stored credential")

	// ErrUnknownSecret means the channel's shared secret is not known
	// locally; messages cannot be encrypted or decrypted until a
	// member supplies it
	ErrUnknownSecret = errors.New("no shared secret for channel")

	// ErrNoPublicKey means the invitee's public key is unavailable:
	// they are offline, unregistered, or not accepting invites
	ErrNoPublicKey = errors.New("public key unavailable")

	// ErrClosed is returned after the client has shut down
	ErrClosed = errors.New("client closed")
)

// ServerError is an error reported by the server, optionally scoped to a
// channel.
type ServerError struct {
	Channel *protocol.ChannelID
	Message string
}

func (e *ServerError) Error() string {
	if e.Channel != nil {
		return fmt.Sprintf("server error in channel %s: %s", e.Channel, e.Message)
	}
	return fmt.Sprintf("server error: %s", e.Message)
}
