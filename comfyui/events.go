package comfyui

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// wsEnvelope JSON text frame pushed by the server. Type discriminates the
// event kind; Data is kind-specific.
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// executingEvent payload of a "executing" event. The wire format has no
// distinct completion event: an executing event whose node is null and whose
// prompt_id matches a tracked prompt means that prompt has finished every
// node. That null-node rule is the sole completion signal.
type executingEvent struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

// subscription one pending tracking operation. Its channel receives exactly
// one value: nil when the tracked prompt completed, or the error that ended
// the wait. Removal from the registry under the client lock is what
// guarantees the single delivery.
type subscription struct {
	promptID string
	ch       chan error
}

// Connect dials the websocket event stream and starts the read loop. The
// context bounds only the dial, not any later tracking. Connecting twice is
// a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	scheme := "ws"
	if c.secure {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     c.host,
		Path:     "/ws",
		RawQuery: "clientId=" + url.QueryEscape(c.clientID),
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		transportErr := &TransportError{Op: "connect " + u.String(), Err: err}
		if resp != nil {
			transportErr.StatusCode = resp.StatusCode
		}
		return transportErr
	}

	c.conn = conn
	c.logger.WithField("client_id", c.clientID).Debug("Websocket connected")

	go c.readLoop(conn)
	return nil
}

// IsConnected reports whether the event stream is open
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close closes the event stream. Pending tracking operations fail with
// ErrConnectionLost once the read loop observes the closed socket.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// readLoop consumes the event stream until the connection dies. Events are
// handled strictly in arrival order.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			c.logger.WithError(err).Debug("Websocket read ended")
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			c.failAll(ErrConnectionLost)
			return
		}

		// binary frames are preview images, never tracked
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleMessage(payload)
	}
}

// handleMessage interprets one JSON text frame from the stream
func (c *Client) handleMessage(payload []byte) {
	var envelope wsEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		c.failAll(&ProtocolError{Payload: payload, Err: err})
		return
	}

	// status, progress, executed and custom events are not tracked
	if envelope.Type != "executing" {
		return
	}

	var event executingEvent
	if err := json.Unmarshal(envelope.Data, &event); err != nil {
		c.failAll(&ProtocolError{Payload: payload, Err: err})
		return
	}

	if event.Node != nil {
		c.logger.WithFields(logrus.Fields{
			"prompt_id": event.PromptID,
			"node":      *event.Node,
		}).Debug("Node executing")
		return
	}

	// null node: the prompt has finished every node
	c.resolve(event.PromptID, nil)
}

// subscribe registers a tracking operation for the given prompt id
func (c *Client) subscribe(promptID string) (*subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}

	sub := &subscription{
		promptID: promptID,
		ch:       make(chan error, 1),
	}
	c.subs[promptID] = sub
	return sub, nil
}

// unsubscribe drops a tracking operation without resolving it
func (c *Client) unsubscribe(promptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, promptID)
}

// resolve completes the tracking operation for promptID, if one is still
// registered. Events for unknown prompt ids are dropped: the stream is
// shared, other clients' prompts flow through it too.
func (c *Client) resolve(promptID string, result error) {
	c.mu.Lock()
	sub, ok := c.subs[promptID]
	if ok {
		delete(c.subs, promptID)
	}
	c.mu.Unlock()

	if ok {
		sub.ch <- result
	}
}

// failAll ends every pending tracking operation with the given error
func (c *Client) failAll(result error) {
	c.mu.Lock()
	pending := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		pending = append(pending, sub)
	}
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range pending {
		sub.ch <- result
	}
}
