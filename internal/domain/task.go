package domain

import (
	"encoding/json"
	"time"
)

type TaskType string

const (
	TaskBootstrap       TaskType = "bootstrap"
	TaskAddTargets      TaskType = "add-targets"
	TaskRemoveTargets   TaskType = "remove-targets"
	TaskRotateKey       TaskType = "rotate-key"
	TaskPublishSnapshot TaskType = "publish-snapshot"
	TaskForceResign     TaskType = "force-resign"
)

type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskResult records what a completed task produced: the new version number
// committed for every role it touched.
type TaskResult struct {
	Versions map[string]int64 `json:"versions,omitempty"`
	Message  string           `json:"message,omitempty"`
}

type Task struct {
	ID             string
	Type           TaskType
	Payload        json.RawMessage
	Status         TaskStatus
	LeaseOwner     string
	LeaseExpires   time.Time
	Result         *TaskResult
	Error          string
	PublishPending bool
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

func (t Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// TargetFile is one artifact entry in an add-targets payload.
type TargetFile struct {
	Path string     `json:"path"`
	Info TargetInfo `json:"info"`
}

type BootstrapPayload struct {
	Settings struct {
		Service struct {
			TargetsBaseURL string `json:"targets_base_url"`
		} `json:"service"`
		Roles map[string]RoleSettings `json:"roles"`
	} `json:"settings"`
	// Metadata carries the offline-signed documents produced by the key
	// ceremony. Root is mandatory; any other offline-keyed role must be
	// present here too, since the worker cannot sign it.
	Metadata map[string]Envelope `json:"metadata"`
}

type AddTargetsPayload struct {
	Targets []TargetFile `json:"targets"`
	// Signatures supplied out-of-band for offline-keyed targets roles,
	// keyed by role name.
	Signatures map[string][]Signature `json:"signatures,omitempty"`
}

type RemoveTargetsPayload struct {
	Paths []string `json:"paths"`
}

type RotateKeyPayload struct {
	Role string `json:"role"`
	// Metadata holds the new offline-signed root binding the rotated key
	// set. Root changes are always expressed as a new root document.
	Metadata map[string]Envelope `json:"metadata"`
	// OnlineKeys is the private seed material for rotated online roles,
	// delivered through the key ceremony channel, hex encoded.
	OnlineKeys map[string]string `json:"online_keys,omitempty"`
}

type ForceResignPayload struct {
	Roles []string `json:"roles,omitempty"`
}
