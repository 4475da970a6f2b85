package comfyui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer a scriptable stand-in for a ComfyUI server: REST endpoints plus
// a websocket the tests push frames through
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	ws         *websocket.Conn
	wsClientID string
	promptID   string
	history    History
	images     map[string][]byte
	failView   map[string]bool
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{
		t:        t,
		promptID: "abc123",
		history:  History{},
		images:   map[string][]byte{},
		failView: map[string]bool{},
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("websocket upgrade failed: %v", err)
			return
		}
		f.mu.Lock()
		f.ws = conn
		f.wsClientID = r.URL.Query().Get("clientId")
		f.mu.Unlock()
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		id := f.promptID
		f.mu.Unlock()
		json.NewEncoder(w).Encode(QueuePromptResponse{PromptID: id, Number: 1})
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/history/")
		f.mu.Lock()
		entry := f.history[id]
		f.mu.Unlock()
		json.NewEncoder(w).Encode(History{id: entry})
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("filename")
		f.mu.Lock()
		fail := f.failView[name]
		data := f.images[name]
		f.mu.Unlock()
		if fail {
			http.Error(w, "view failed", http.StatusInternalServerError)
			return
		}
		w.Write(data)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) host() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

// stream waits for the client's websocket to arrive
func (f *fakeServer) stream() *websocket.Conn {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		conn := f.ws
		f.mu.Unlock()
		if conn != nil {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.t.Fatal("client never connected to /ws")
	return nil
}

func (f *fakeServer) pushText(payload string) {
	f.t.Helper()
	require.NoError(f.t, f.stream().WriteMessage(websocket.TextMessage, []byte(payload)))
}

func (f *fakeServer) pushBinary(payload []byte) {
	f.t.Helper()
	require.NoError(f.t, f.stream().WriteMessage(websocket.BinaryMessage, payload))
}

func (f *fakeServer) pushExecuting(promptID string, node *string) {
	f.t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"type": "executing",
		"data": map[string]interface{}{"node": node, "prompt_id": promptID},
	})
	require.NoError(f.t, err)
	f.pushText(string(data))
}

func (f *fakeServer) closeStream() {
	f.t.Helper()
	require.NoError(f.t, f.stream().Close())
}

func (f *fakeServer) setPromptID(id string) {
	f.mu.Lock()
	f.promptID = id
	f.mu.Unlock()
}

func (f *fakeServer) setHistory(promptID string, entry HistoryEntry) {
	f.mu.Lock()
	f.history[promptID] = entry
	f.mu.Unlock()
}

// waitSubscribed blocks until the client has a tracker registered for the
// given prompt id, so tests never push the completion frame too early
func waitSubscribed(t *testing.T, c *Client, promptID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		_, ok := c.subs[promptID]
		c.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no subscription for prompt %q", promptID)
}

type trackOutcome struct {
	results ImageResults
	err     error
}

// track runs GetImages in the background and returns its outcome channel
func track(c *Client, prompt Prompt) <-chan trackOutcome {
	done := make(chan trackOutcome, 1)
	go func() {
		results, err := c.GetImages(context.Background(), prompt)
		done <- trackOutcome{results: results, err: err}
	}()
	return done
}

func awaitOutcome(t *testing.T, done <-chan trackOutcome) trackOutcome {
	t.Helper()
	select {
	case outcome := <-done:
		return outcome
	case <-time.After(5 * time.Second):
		t.Fatal("tracking operation never resolved")
		return trackOutcome{}
	}
}

func strPtr(s string) *string { return &s }

func TestGetImagesFullScenario(t *testing.T) {
	f := newFakeServer(t)
	f.setHistory("abc123", HistoryEntry{
		Outputs: map[string]NodeOutput{
			"9": {Images: []ImageRef{
				{Filename: "a.png", Subfolder: "", Type: "output"},
				{Filename: "b.png", Subfolder: "", Type: "output"},
			}},
		},
	})
	f.images["a.png"] = []byte("png-a")
	f.images["b.png"] = []byte("png-b")

	client := NewClient(f.host())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	done := track(client, Prompt{})
	waitSubscribed(t, client, "abc123")

	// none of these may resolve the operation
	f.pushExecuting("abc123", strPtr("3"))
	f.pushExecuting("other-prompt", nil)
	f.pushBinary([]byte{0x01, 0x02, 0x03})
	f.pushText(`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":0}}}}`)

	select {
	case outcome := <-done:
		t.Fatalf("resolved early: %+v", outcome)
	case <-time.After(100 * time.Millisecond):
	}

	f.pushExecuting("abc123", nil)

	outcome := awaitOutcome(t, done)
	require.NoError(t, outcome.err)
	require.Len(t, outcome.results, 1)

	images := outcome.results["9"]
	require.Len(t, images, 2)
	assert.Equal(t, "a.png", images[0].Ref.Filename)
	assert.Equal(t, []byte("png-a"), images[0].Data)
	assert.Equal(t, "b.png", images[1].Ref.Filename)
	assert.Equal(t, []byte("png-b"), images[1].Data)
}

func TestGetImagesIgnoresOtherPromptCompletion(t *testing.T) {
	f := newFakeServer(t)
	f.setPromptID("J2")
	f.setHistory("J2", HistoryEntry{Outputs: map[string]NodeOutput{}})

	client := NewClient(f.host())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	done := track(client, Prompt{})
	waitSubscribed(t, client, "J2")

	f.pushExecuting("J1", nil)

	select {
	case outcome := <-done:
		t.Fatalf("completion for J1 resolved tracker for J2: %+v", outcome)
	case <-time.After(100 * time.Millisecond):
	}

	f.pushExecuting("J2", nil)
	outcome := awaitOutcome(t, done)
	require.NoError(t, outcome.err)
	assert.Empty(t, outcome.results)
}

func TestGetImagesConnectionLost(t *testing.T) {
	f := newFakeServer(t)

	client := NewClient(f.host())
	require.NoError(t, client.Connect(context.Background()))

	done := track(client, Prompt{})
	waitSubscribed(t, client, "abc123")

	f.closeStream()

	outcome := awaitOutcome(t, done)
	require.ErrorIs(t, outcome.err, ErrConnectionLost)
	assert.Nil(t, outcome.results)
}

func TestGetImagesMalformedFrame(t *testing.T) {
	f := newFakeServer(t)

	client := NewClient(f.host())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	done := track(client, Prompt{})
	waitSubscribed(t, client, "abc123")

	f.pushText("{{not json")

	outcome := awaitOutcome(t, done)
	var protoErr *ProtocolError
	require.ErrorAs(t, outcome.err, &protoErr)
	assert.Nil(t, outcome.results)

	// the connection survives a malformed frame; a fresh tracking operation
	// on the same stream must still work
	f.setPromptID("second")
	f.setHistory("second", HistoryEntry{Outputs: map[string]NodeOutput{}})

	done = track(client, Prompt{})
	waitSubscribed(t, client, "second")
	f.pushExecuting("second", nil)

	outcome = awaitOutcome(t, done)
	require.NoError(t, outcome.err)
}

func TestGetImagesFetchFailureDiscardsPartialResults(t *testing.T) {
	f := newFakeServer(t)
	f.setHistory("abc123", HistoryEntry{
		Outputs: map[string]NodeOutput{
			"9": {Images: []ImageRef{
				{Filename: "a.png", Type: "output"},
				{Filename: "b.png", Type: "output"},
			}},
		},
	})
	f.images["a.png"] = []byte("png-a")
	f.failView["b.png"] = true

	client := NewClient(f.host())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	done := track(client, Prompt{})
	waitSubscribed(t, client, "abc123")
	f.pushExecuting("abc123", nil)

	outcome := awaitOutcome(t, done)
	var fetchErr *FetchError
	require.ErrorAs(t, outcome.err, &fetchErr)
	assert.Equal(t, "b.png", fetchErr.Ref.Filename)
	assert.Nil(t, outcome.results)
}

func TestGetImagesRequiresConnection(t *testing.T) {
	f := newFakeServer(t)

	client := NewClient(f.host())
	_, err := client.GetImages(context.Background(), Prompt{})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestGetImagesTerminationIsIdempotent(t *testing.T) {
	f := newFakeServer(t)
	f.setHistory("abc123", HistoryEntry{Outputs: map[string]NodeOutput{}})

	client := NewClient(f.host())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	done := track(client, Prompt{})
	waitSubscribed(t, client, "abc123")
	f.pushExecuting("abc123", nil)
	require.NoError(t, awaitOutcome(t, done).err)

	// duplicate completion frames for a resolved operation are dropped
	f.pushExecuting("abc123", nil)
	f.pushExecuting("abc123", nil)

	// and a later tracking operation on the same stream is unaffected
	f.setPromptID("later")
	f.setHistory("later", HistoryEntry{Outputs: map[string]NodeOutput{}})

	done = track(client, Prompt{})
	waitSubscribed(t, client, "later")
	f.pushExecuting("later", nil)
	require.NoError(t, awaitOutcome(t, done).err)
}

func TestGetImagesContextCancelled(t *testing.T) {
	f := newFakeServer(t)

	client := NewClient(f.host())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan trackOutcome, 1)
	go func() {
		results, err := client.GetImages(ctx, Prompt{})
		done <- trackOutcome{results: results, err: err}
	}()
	waitSubscribed(t, client, "abc123")

	cancel()

	outcome := awaitOutcome(t, done)
	require.ErrorIs(t, outcome.err, context.Canceled)

	// the abandoned subscription must be gone
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Empty(t, client.subs)
}

func TestFetchImagesPreservesListedOrder(t *testing.T) {
	f := newFakeServer(t)
	f.setHistory("abc123", HistoryEntry{
		Outputs: map[string]NodeOutput{
			"9": {Images: []ImageRef{
				{Filename: "a.png", Type: "output"},
				{Filename: "b.png", Type: "output"},
			}},
			"12": {Images: []ImageRef{
				{Filename: "c.png", Subfolder: "batch", Type: "temp"},
			}},
			"13": {},
		},
	})
	f.images["a.png"] = []byte("aaa")
	f.images["b.png"] = []byte("bbb")
	f.images["c.png"] = []byte("ccc")

	client := NewClient(f.host())

	results, err := client.fetchImages(context.Background(), "abc123")
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Len(t, results["9"], 2)
	assert.Equal(t, "a.png", results["9"][0].Ref.Filename)
	assert.Equal(t, "b.png", results["9"][1].Ref.Filename)

	require.Len(t, results["12"], 1)
	assert.Equal(t, ImageRef{Filename: "c.png", Subfolder: "batch", Type: "temp"}, results["12"][0].Ref)
	assert.Equal(t, []byte("ccc"), results["12"][0].Data)
}
