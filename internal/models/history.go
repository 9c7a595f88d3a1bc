package models

import (
	"encoding/json"
	"time"
)

// InvocationStatus constants
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
)

// InvocationRecord represents one completed local invocation (bridge_invocations table)
type InvocationRecord struct {
	ID           int64           `json:"id"`
	RequestID    string          `json:"request_id"`
	FunctionID   string          `json:"function_id"`
	WorkerID     string          `json:"worker_id,omitempty"`
	InvokedAt    time.Time       `json:"invoked_at"`
	InputEvent   json.RawMessage `json:"input_event"`
	Status       string          `json:"status"`
	OutputResult json.RawMessage `json:"output_result,omitempty"`
	ErrorType    string          `json:"error_type,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	DurationMs   int             `json:"duration_ms"`
}
