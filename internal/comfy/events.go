package comfy

import (
	"encoding/json"
)

// Event kind tags as they appear on the ComfyUI websocket.
const (
	EventExecuting      = "executing"
	EventProgress       = "progress"
	EventStatus         = "status"
	EventCached         = "execution_cached"
	EventExecutionError = "execution_error"
)

// Event is the tagged union of websocket notifications this server reacts
// to. Data holds a pointer to the kind-specific payload; kinds the server
// does not care about decode with a nil Data and are skipped upstream.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (e *Event) UnmarshalJSON(b []byte) error {
	// Unmarshal into an anonymous equivalent to avoid infinite recursion
	var temp struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}

	e.Type = temp.Type

	switch e.Type {
	case EventExecuting:
		e.Data = &ExecutingData{}
	case EventProgress:
		e.Data = &ProgressData{}
	case EventStatus:
		e.Data = &StatusData{}
	case EventCached:
		e.Data = &CachedData{}
	case EventExecutionError:
		e.Data = &ExecutionErrorData{}
	default:
		// Preview frames, crystools monitors and other extension chatter
		e.Data = nil
	}

	if e.Data != nil && len(temp.Data) > 0 {
		if err := json.Unmarshal(temp.Data, e.Data); err != nil {
			return err
		}
	}

	return nil
}

// ExecutingData reports the node currently being executed for a prompt.
// A nil Node means the final node finished and outputs are available.
type ExecutingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

/*
{"type": "executing", "data": {"node": "12", "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
{"type": "executing", "data": {"node": null, "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

// ProgressData carries step progress for the running sampler. ComfyUI does
// not attach a prompt id to these.
type ProgressData struct {
	Value int `json:"value"`
	Max   int `json:"max"`
}

/*
{"type": "progress", "data": {"value": 1, "max": 20}}
*/

// StatusData reports the renderer queue depth.
type StatusData struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}

/*
{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 1}}}}
*/

// CachedData signals that a prompt was served from the execution cache,
// bypassing the normal executing/progress sequence entirely.
type CachedData struct {
	Nodes    []interface{} `json:"nodes"`
	PromptID string        `json:"prompt_id"`
}

/*
{"type": "execution_cached", "data": {"nodes": [], "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

// ExecutionErrorData carries the failure details for an aborted prompt.
type ExecutionErrorData struct {
	PromptID         string   `json:"prompt_id"`
	Node             string   `json:"node_id"`
	NodeType         string   `json:"node_type"`
	ExceptionMessage string   `json:"exception_message"`
	ExceptionType    string   `json:"exception_type"`
	Traceback        []string `json:"traceback"`
}
