package models

// WorkerMessageType names a message on the supervisor/worker pool control channel
type WorkerMessageType string

const (
	WorkerStart WorkerMessageType = "worker.start"
	WorkerStop  WorkerMessageType = "worker.stop"
	WorkerOut   WorkerMessageType = "worker.out"
	WorkerExit  WorkerMessageType = "worker.exit"
)

// WorkerMessage is a control command or a notification about one worker
type WorkerMessage struct {
	Type       WorkerMessageType `json:"type"`
	WorkerID   string            `json:"workerID"`
	FunctionID string            `json:"functionID,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Data       string            `json:"data,omitempty"`
}
