package comfyui

import "encoding/json"

// Prompt is a ComfyUI workflow graph in API format. The client never inspects
// it, only forwards it to the server.
type Prompt map[string]interface{}

// QueuePromptRequest request body for POST /prompt
type QueuePromptRequest struct {
	Prompt   Prompt `json:"prompt"`
	ClientID string `json:"client_id"`
}

// QueuePromptResponse server response after queueing a prompt
type QueuePromptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// ImageRef addresses one image stored on the server
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// String formats the reference the way /view addresses it
func (r ImageRef) String() string {
	if r.Subfolder == "" {
		return r.Type + "/" + r.Filename
	}
	return r.Type + "/" + r.Subfolder + "/" + r.Filename
}

// Image one downloaded image together with its server-side reference
type Image struct {
	Ref  ImageRef
	Data []byte
}

// ImageResults maps each output node id to the images it produced, in the
// order the history record lists them
type ImageResults map[string][]Image

// NodeOutput outputs declared by one graph node in a history record
type NodeOutput struct {
	Images []ImageRef `json:"images,omitempty"`
}

// HistoryEntry server-held record of one finished prompt
type HistoryEntry struct {
	Prompt  json.RawMessage       `json:"prompt,omitempty"`
	Outputs map[string]NodeOutput `json:"outputs"`
}

// History maps prompt id to its history entry, as returned by GET /history
type History map[string]HistoryEntry

// QueueState running and pending queue entries
type QueueState struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// PromptStatus execution info returned by GET /prompt
type PromptStatus struct {
	ExecInfo struct {
		QueueRemaining int `json:"queue_remaining"`
	} `json:"exec_info"`
}

// UploadResponse server response after an image or mask upload
type UploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}
