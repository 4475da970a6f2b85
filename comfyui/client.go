// Package comfyui is a client for the ComfyUI HTTP and websocket API. It
// queues workflows, follows their execution over the event stream and
// downloads the images they produce.
package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client ComfyUI API client. One client holds one server address, one stable
// client id and at most one websocket event stream.
type Client struct {
	host       string
	secure     bool
	clientID   string
	httpClient *http.Client
	logger     *logrus.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]*subscription
}

// Option configures a Client
type Option func(*Client)

// WithClientID sets the client id sent with prompts and on the websocket.
// Defaults to a random UUID.
func WithClientID(id string) Option {
	return func(c *Client) { c.clientID = id }
}

// WithLogger injects a logger. The default logger discards everything.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient replaces the HTTP client used for one-shot requests
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithTLS switches to https and wss
func WithTLS() Option {
	return func(c *Client) { c.secure = true }
}

// NewClient creates a ComfyUI client for the given server address
// (host:port, with or without a scheme prefix)
func NewClient(serverAddress string, opts ...Option) *Client {
	c := &Client{
		host:       serverAddress,
		clientID:   uuid.New().String(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     newNopLogger(),
		subs:       make(map[string]*subscription),
	}
	if after, ok := strings.CutPrefix(c.host, "https://"); ok {
		c.host = after
		c.secure = true
	} else if after, ok := strings.CutPrefix(c.host, "http://"); ok {
		c.host = after
	}
	c.host = strings.TrimSuffix(c.host, "/")

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientID returns the stable client id used for correlation
func (c *Client) ClientID() string { return c.clientID }

func newNopLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// buildURL builds a complete HTTP URL for the given path
func (c *Client) buildURL(path string) string {
	scheme := "http"
	if c.secure {
		scheme = "https"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + c.host + path
}

// doJSON performs a one-shot JSON request. A non-2xx status becomes a
// TransportError carrying the server's error body verbatim.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("comfyui: %s: failed to marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), reader)
	if err != nil {
		return fmt.Errorf("comfyui: %s: failed to create request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Body: errBody}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("comfyui: %s: failed to decode response: %w", op, err)
		}
	}
	return nil
}

// QueuePrompt submits a workflow for execution and returns the prompt id the
// server assigned to it. A failed submission is terminal, the client never
// retries it.
func (c *Client) QueuePrompt(ctx context.Context, prompt Prompt) (*QueuePromptResponse, error) {
	req := QueuePromptRequest{Prompt: prompt, ClientID: c.clientID}

	var resp QueuePromptResponse
	if err := c.doJSON(ctx, http.MethodPost, "/prompt", req, &resp); err != nil {
		return nil, err
	}

	c.logger.WithField("prompt_id", resp.PromptID).Debug("Prompt queued")
	return &resp, nil
}

// GetEmbeddings lists the embeddings installed on the server
func (c *Client) GetEmbeddings(ctx context.Context) ([]string, error) {
	var embeddings []string
	if err := c.doJSON(ctx, http.MethodGet, "/embeddings", nil, &embeddings); err != nil {
		return nil, err
	}
	return embeddings, nil
}

// GetExtensions lists the extension script files installed on the server
func (c *Client) GetExtensions(ctx context.Context) ([]string, error) {
	var extensions []string
	if err := c.doJSON(ctx, http.MethodGet, "/extensions", nil, &extensions); err != nil {
		return nil, err
	}
	return extensions, nil
}

// GetObjectInfo returns node metadata, for every node class or for a single
// class when nodeClass is non-empty
func (c *Client) GetObjectInfo(ctx context.Context, nodeClass string) (map[string]json.RawMessage, error) {
	path := "/object_info"
	if nodeClass != "" {
		path += "/" + url.PathEscape(nodeClass)
	}

	var info map[string]json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// GetQueue returns the running and pending queue entries
func (c *Client) GetQueue(ctx context.Context) (*QueueState, error) {
	var state QueueState
	if err := c.doJSON(ctx, http.MethodGet, "/queue", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// GetPromptStatus returns the server's execution info, including how many
// prompts are still queued
func (c *Client) GetPromptStatus(ctx context.Context) (*PromptStatus, error) {
	var status PromptStatus
	if err := c.doJSON(ctx, http.MethodGet, "/prompt", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetHistoryAll returns the history records of every finished prompt
func (c *Client) GetHistoryAll(ctx context.Context) (History, error) {
	var history History
	if err := c.doJSON(ctx, http.MethodGet, "/history", nil, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// GetHistory returns the history record of one finished prompt
func (c *Client) GetHistory(ctx context.Context, promptID string) (*HistoryEntry, error) {
	var history History
	if err := c.doJSON(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, &history); err != nil {
		return nil, err
	}

	entry, ok := history[promptID]
	if !ok {
		return nil, fmt.Errorf("comfyui: no history record for prompt %q", promptID)
	}
	return &entry, nil
}

// GetSystemStats returns system and device statistics
func (c *Client) GetSystemStats(ctx context.Context) (map[string]interface{}, error) {
	var stats map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, "/system_stats", nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Interrupt aborts the currently executing prompt
func (c *Client) Interrupt(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/interrupt", nil, nil)
}

// ClearHistory deletes every history record on the server
func (c *Client) ClearHistory(ctx context.Context) error {
	body := map[string]interface{}{"clear": true}
	return c.doJSON(ctx, http.MethodPost, "/history", body, nil)
}

// DeleteHistory deletes the history records of the given prompts
func (c *Client) DeleteHistory(ctx context.Context, promptIDs ...string) error {
	body := map[string]interface{}{"delete": promptIDs}
	return c.doJSON(ctx, http.MethodPost, "/history", body, nil)
}

// GetImage downloads the raw content of one stored image
func (c *Client) GetImage(ctx context.Context, ref ImageRef) ([]byte, error) {
	query := url.Values{}
	query.Set("filename", ref.Filename)
	query.Set("subfolder", ref.Subfolder)
	query.Set("type", ref.Type)
	path := "/view?" + query.Encode()
	op := "GET /view"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("comfyui: %s: failed to create request: %w", op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Body: errBody}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	return data, nil
}
