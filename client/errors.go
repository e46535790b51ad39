package client

import (
	"errors"
	"fmt"

	"channel-rpc/message"
)

var (
	// ErrTransport wraps connect and send failures.
	ErrTransport = errors.New("client: transport error")
	// ErrProtocolDecode means the node sent a frame that could not be parsed.
	// The connection is closed when it happens.
	ErrProtocolDecode = errors.New("client: protocol decode error")
	// ErrClosed is returned by calls made on or interrupted by a closed client.
	ErrClosed = errors.New("client: closed")
	// ErrTimeout is the outcome of a call that saw no response in time.
	ErrTimeout = &RemoteError{Code: message.CodeTimeout, Message: message.CodeText(message.CodeTimeout)}
)

// RemoteError is a nonzero result code on a response frame.
type RemoteError struct {
	Code    int32
	Message string
}

func newRemoteError(code int32) *RemoteError {
	return &RemoteError{Code: code, Message: message.CodeText(code)}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("node error %d: %s", e.Code, e.Message)
}

// Is matches any RemoteError with the same code, so
// errors.Is(err, ErrTimeout) holds for every timeout.
func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	return ok && t.Code == e.Code
}
