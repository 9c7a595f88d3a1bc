package models

import (
	"encoding/json"
	"time"
)

// ExecutionMetadata carries the platform context of a remote invocation
type ExecutionMetadata struct {
	AwsRequestID       string          `json:"awsRequestId"`
	InvokedFunctionArn string          `json:"invokedFunctionArn,omitempty"`
	FunctionName       string          `json:"functionName,omitempty"`
	FunctionVersion    string          `json:"functionVersion,omitempty"`
	MemoryLimitMB      int             `json:"memoryLimitInMB,omitempty"`
	LogGroupName       string          `json:"logGroupName,omitempty"`
	LogStreamName      string          `json:"logStreamName,omitempty"`
	TraceID            string          `json:"traceId,omitempty"`
	CognitoIdentityID  string          `json:"cognitoIdentityId,omitempty"`
	CognitoPoolID      string          `json:"cognitoIdentityPoolId,omitempty"`
	ClientContext      json.RawMessage `json:"clientContext,omitempty"`
}

// InvocationRequest is created by the stub once per invocation attempt and never mutated
type InvocationRequest struct {
	RequestID        string
	ExpiresAt        time.Time
	TimeoutRemaining time.Duration
	FunctionID       string
	Event            json.RawMessage
	Metadata         ExecutionMetadata
	Env              map[string]string
}

// Expired reports whether the remote caller has stopped waiting
func (r InvocationRequest) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// PayloadType discriminates response payloads
type PayloadType string

const (
	PayloadSuccess PayloadType = "success"
	PayloadFailure PayloadType = "failure"
)

// Failure is the structured error returned in place of a handler result.
// The field names follow the Lambda error shape so the stub can surface it unchanged.
type Failure struct {
	ErrorType    string   `json:"errorType"`
	ErrorMessage string   `json:"errorMessage"`
	StackTrace   []string `json:"stackTrace,omitempty"`
}

func (f *Failure) Error() string {
	if f.ErrorType == "" {
		return f.ErrorMessage
	}
	return f.ErrorType + ": " + f.ErrorMessage
}

// PayloadRef points at a body that was too large to travel inline
type PayloadRef struct {
	Store string `json:"store"`
	Key   string `json:"key"`
	Size  int    `json:"size"`
}

// ResponsePayload is either a success body or a structured failure
type ResponsePayload struct {
	Type  PayloadType     `json:"type"`
	Body  json.RawMessage `json:"body,omitempty"`
	Ref   *PayloadRef     `json:"ref,omitempty"`
	Error *Failure        `json:"error,omitempty"`
}

// Failed reports whether the payload carries a failure
func (p ResponsePayload) Failed() bool {
	return p.Type == PayloadFailure
}

// InvocationResponse is matched to the waiting stub purely by RequestID
type InvocationResponse struct {
	RequestID string
	Payload   ResponsePayload
}

// Error types used when the bridge itself has to synthesize a failure
const (
	ErrorTypeHandler  = "Runtime.HandlerError"
	ErrorTypePanic    = "Runtime.Panic"
	ErrorTypeExit     = "Runtime.ExitError"
	ErrorTypeBuilding = "Bridge.FunctionBuilding"
	ErrorTypeBridge   = "Bridge.Error"
	ErrorTypeTimeout  = "Bridge.Timeout"
)

// Success wraps a marshalled handler result
func Success(body json.RawMessage) ResponsePayload {
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	return ResponsePayload{Type: PayloadSuccess, Body: body}
}

// Fail builds a failure payload
func Fail(errorType, message string) ResponsePayload {
	return ResponsePayload{
		Type:  PayloadFailure,
		Error: &Failure{ErrorType: errorType, ErrorMessage: message},
	}
}

// FailFromError converts err into a failure payload, keeping an existing *Failure intact
func FailFromError(errorType string, err error) ResponsePayload {
	if f, ok := err.(*Failure); ok {
		return ResponsePayload{Type: PayloadFailure, Error: f}
	}
	return Fail(errorType, err.Error())
}
