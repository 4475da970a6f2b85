package comfyui

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected an operation requiring the event stream was invoked
	// before Connect
	ErrNotConnected = errors.New("comfyui: not connected, call Connect first")

	// ErrConnectionLost the event stream closed or errored while a tracking
	// operation was still waiting for completion
	ErrConnectionLost = errors.New("comfyui: websocket connection lost")
)

// TransportError a one-shot request could not be delivered or the server
// answered with a non-success status. Body carries the server's error
// payload verbatim when one was returned.
type TransportError struct {
	Op         string
	StatusCode int
	Body       []byte
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("comfyui: %s: %v", e.Op, e.Err)
	}
	if len(e.Body) > 0 {
		return fmt.Sprintf("comfyui: %s: server returned status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("comfyui: %s: server returned status %d", e.Op, e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError an inbound stream message could not be parsed as the
// expected structure. Fails the active tracking operations; the connection
// itself stays up.
type ProtocolError struct {
	Payload []byte
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("comfyui: malformed websocket message %q: %v", e.Payload, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// FetchError downloading one image failed after the prompt finished
// executing. Ref names the offending image.
type FetchError struct {
	Ref ImageRef
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("comfyui: fetching image %s: %v", e.Ref, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
