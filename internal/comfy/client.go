package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the HTTP side of a ComfyUI instance. The websocket side
// lives in Socket; both are keyed by the same client session id.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// QueuedPrompt is the acknowledgement returned by POST /prompt.
type QueuedPrompt struct {
	PromptID string                 `json:"prompt_id"`
	Number   int                    `json:"number"`
	Errors   map[string]interface{} `json:"node_errors"`
}

// Artifact describes one output file of a finished prompt.
type Artifact struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// historyEntry mirrors one value of the GET /history/{id} response map.
type historyEntry struct {
	Outputs map[string]struct {
		Images []Artifact `json:"images"`
	} `json:"outputs"`
}

// NewClient creates a ComfyUI client for the given base URL,
// e.g. http://127.0.0.1:8188.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL returns the configured ComfyUI address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WebSocketURL returns the event channel address for a client session id.
func (c *Client) WebSocketURL(clientID string) string {
	ws := strings.Replace(c.baseURL, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return fmt.Sprintf("%s/ws?clientId=%s", ws, url.QueryEscape(clientID))
}

// QueuePrompt submits a workflow graph for execution. The clientID ties the
// submission to an already-open event channel subscription.
func (c *Client) QueuePrompt(ctx context.Context, workflow interface{}, clientID string) (*QueuedPrompt, error) {
	body, err := json.Marshal(map[string]interface{}{
		"prompt":    workflow,
		"client_id": clientID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prompt request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit prompt: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("comfyui rejected prompt: %s: %s", resp.Status, promptErrorDetail(respBody))
	}

	var queued QueuedPrompt
	if err := json.Unmarshal(respBody, &queued); err != nil {
		return nil, fmt.Errorf("failed to decode prompt response: %w", err)
	}
	if queued.PromptID == "" {
		return nil, fmt.Errorf("prompt response missing prompt_id")
	}

	return &queued, nil
}

// promptErrorDetail digs the human-readable part out of a /prompt
// validation failure so users see "checkpoint not found" instead of a
// JSON blob.
func promptErrorDetail(body []byte) string {
	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
		NodeErrors map[string]struct {
			Errors []struct {
				Message   string `json:"message"`
				Details   string `json:"details"`
				ExtraInfo struct {
					InputName     string      `json:"input_name"`
					ReceivedValue interface{} `json:"received_value"`
				} `json:"extra_info"`
			} `json:"errors"`
		} `json:"node_errors"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return string(body)
	}

	var parts []string
	for _, node := range parsed.NodeErrors {
		for _, e := range node.Errors {
			if e.ExtraInfo.InputName == "ckpt_name" {
				parts = append(parts, fmt.Sprintf("checkpoint %v not found on the ComfyUI instance", e.ExtraInfo.ReceivedValue))
				continue
			}
			msg := e.Message
			if e.Details != "" {
				msg += ": " + e.Details
			}
			parts = append(parts, msg)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "; ")
	}
	if parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(body)
}

// History fetches the result listing for a single prompt id and flattens
// every image across all output groups into one slice. An empty slice with
// a nil error means the prompt has no recorded outputs (yet).
func (c *Client) History(ctx context.Context, promptID string) ([]Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history request failed: %s", resp.Status)
	}

	history := make(map[string]historyEntry)
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	entry, ok := history[promptID]
	if !ok {
		return nil, nil
	}

	var artifacts []Artifact
	for _, output := range entry.Outputs {
		for _, img := range output.Images {
			if img.Type == "" {
				img.Type = "output"
			}
			artifacts = append(artifacts, img)
		}
	}
	return artifacts, nil
}

// View streams a stored artifact. The caller owns the returned body.
func (c *Client) View(ctx context.Context, a Artifact) (io.ReadCloser, string, error) {
	params := url.Values{}
	params.Set("filename", a.Filename)
	params.Set("subfolder", a.Subfolder)
	params.Set("type", a.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+params.Encode(), nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch image: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("image request failed: %s", resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return resp.Body, contentType, nil
}

// NodeInputOptions lists the enumerated choices of a node class input, read
// from /object_info. This is how ComfyUI advertises installed checkpoints
// (CheckpointLoaderSimple/ckpt_name), LoRAs (LoraLoader/lora_name),
// upscale models (UpscaleModelLoader/model_name) and sampler/scheduler
// names (KSampler/sampler_name, KSampler/scheduler).
func (c *Client) NodeInputOptions(ctx context.Context, nodeClass, inputName string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/object_info/"+url.PathEscape(nodeClass), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch object info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("object info request failed: %s", resp.Status)
	}

	var info map[string]struct {
		Input struct {
			Required map[string][]interface{} `json:"required"`
		} `json:"input"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode object info: %w", err)
	}

	node, ok := info[nodeClass]
	if !ok {
		return nil, fmt.Errorf("node class %s not present on this ComfyUI instance", nodeClass)
	}
	spec, ok := node.Input.Required[inputName]
	if !ok || len(spec) == 0 {
		return nil, fmt.Errorf("node class %s has no input %s", nodeClass, inputName)
	}

	// First element of the input spec is the option list for enum inputs.
	raw, ok := spec[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("input %s.%s is not an enumerated type", nodeClass, inputName)
	}

	options := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			options = append(options, s)
		}
	}
	return options, nil
}

// Embeddings lists installed textual-inversion embeddings.
func (c *Client) Embeddings(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/embeddings", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch embeddings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings request failed: %s", resp.Status)
	}

	var embeddings []string
	if err := json.NewDecoder(resp.Body).Decode(&embeddings); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings: %w", err)
	}
	return embeddings, nil
}

// HealthCheck verifies the instance answers on its queue endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("comfyui returned status %d", resp.StatusCode)
	}
	return nil
}
