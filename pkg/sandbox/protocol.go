package sandbox

import "encoding/json"

// Frame types exchanged between the engine and a sandbox child process.
// Every frame is one JSON object per line over the child's stdio.
const (
	FrameReady    = "ready"
	FrameExecute  = "execute"
	FrameProgress = "progress"
	FrameResult   = "result"
	FrameError    = "error"
)

// maxFrameSize bounds a single frame line. Executor payloads larger than
// this should move data out of band.
const maxFrameSize = 16 * 1024 * 1024

// Frame is the wire envelope. Which fields are set depends on Type:
// execute carries Name, Data, and Config; progress and result carry Data;
// error carries Error. JobID correlates responses with requests.
type Frame struct {
	Type   string          `json:"type"`
	JobID  string          `json:"jobId,omitempty"`
	Name   string          `json:"name,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
	Error  *FrameFailure   `json:"error,omitempty"`
}

// FrameFailure is the error payload of an error frame.
type FrameFailure struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}
