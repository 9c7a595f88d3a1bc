package models

import (
	"encoding/json"
	"time"
)

// Action names a relay message
type Action string

const (
	ActionRegisterClient   Action = "registerClient"
	ActionClientRegistered Action = "clientRegistered"
	ActionNewRequest       Action = "newRequest"
	ActionNewResponse      Action = "newResponse"
)

// Message is the envelope exchanged with the relay in both directions
type Message struct {
	Action             Action             `json:"action"`
	RequestID          string             `json:"requestID,omitempty"`
	ExpiresAt          int64              `json:"expiresAt,omitempty"`
	TimeoutRemainingMs int64              `json:"timeoutRemainingMs,omitempty"`
	FunctionID         string             `json:"functionID,omitempty"`
	Event              json.RawMessage    `json:"event,omitempty"`
	EventRef           *PayloadRef        `json:"eventRef,omitempty"`
	ExecutionMetadata  *ExecutionMetadata `json:"executionMetadata,omitempty"`
	Env                map[string]string  `json:"env,omitempty"`
	StubConnectionID   string             `json:"stubConnectionId,omitempty"`
	ConnectionID       string             `json:"connectionId,omitempty"`
	Payload            *ResponsePayload   `json:"payload,omitempty"`
}

// NewRequestMessage encodes req as a newRequest envelope
func NewRequestMessage(req InvocationRequest) Message {
	meta := req.Metadata
	return Message{
		Action:             ActionNewRequest,
		RequestID:          req.RequestID,
		ExpiresAt:          req.ExpiresAt.UnixMilli(),
		TimeoutRemainingMs: req.TimeoutRemaining.Milliseconds(),
		FunctionID:         req.FunctionID,
		Event:              req.Event,
		ExecutionMetadata:  &meta,
		Env:                req.Env,
	}
}

// NewResponseMessage encodes resp as a newResponse envelope addressed to stubConnectionID
func NewResponseMessage(resp InvocationResponse, stubConnectionID string) Message {
	payload := resp.Payload
	return Message{
		Action:           ActionNewResponse,
		RequestID:        resp.RequestID,
		StubConnectionID: stubConnectionID,
		Payload:          &payload,
	}
}

// InvocationRequest decodes a newRequest envelope
func (m Message) InvocationRequest() InvocationRequest {
	req := InvocationRequest{
		RequestID:        m.RequestID,
		TimeoutRemaining: time.Duration(m.TimeoutRemainingMs) * time.Millisecond,
		FunctionID:       m.FunctionID,
		Event:            m.Event,
		Env:              m.Env,
	}
	if m.ExpiresAt > 0 {
		req.ExpiresAt = time.UnixMilli(m.ExpiresAt)
	}
	if m.ExecutionMetadata != nil {
		req.Metadata = *m.ExecutionMetadata
	}
	return req
}
