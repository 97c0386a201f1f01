package wire

import (
	"encoding/json"
	"fmt"

	"github.com/runtarahq/runtara/persistence"
)

// MessageKind selects the oneof variant carried in a Message.
type MessageKind string

const (
	// Instance <-> Core (spec.md §4.2 "RPC surface — Instance<->Core")
	KindRegisterInstance  MessageKind = "register_instance"
	KindCheckpoint        MessageKind = "checkpoint"
	KindGetCheckpoint     MessageKind = "get_checkpoint"
	KindSleep             MessageKind = "sleep"
	KindPollSignals       MessageKind = "poll_signals"
	KindSignalAck         MessageKind = "signal_ack"
	KindInstanceEvent     MessageKind = "instance_event"
	KindRetryAttempt      MessageKind = "retry_attempt"
	KindGetInstanceStatus MessageKind = "get_instance_status"

	// Management <-> Environment <-> Core
	KindHealthCheck      MessageKind = "health_check"
	KindRegisterImage    MessageKind = "register_image"
	KindListImages       MessageKind = "list_images"
	KindGetImage         MessageKind = "get_image"
	KindDeleteImage      MessageKind = "delete_image"
	KindStartInstance    MessageKind = "start_instance"
	KindStopInstance     MessageKind = "stop_instance"
	KindResumeInstance   MessageKind = "resume_instance"
	KindSendSignal       MessageKind = "send_signal"
	KindSendCustomSignal MessageKind = "send_custom_signal"
	KindListCheckpoints  MessageKind = "list_checkpoints"
	KindListEvents       MessageKind = "list_events"
	KindGetScopeAncestors MessageKind = "get_scope_ancestors"
	KindListStepSummaries MessageKind = "list_step_summaries"
	KindTestCapability    MessageKind = "test_capability"
	KindListAgents        MessageKind = "list_agents"
	KindGetTenantMetrics  MessageKind = "get_tenant_metrics"
)

// Message is the envelope carried as a Frame's JSON payload. Body holds the
// JSON encoding of the request or response struct that Kind selects;
// RequestID correlates a Response frame back to its Request.
type Message struct {
	Kind      MessageKind     `json:"kind"`
	RequestID string          `json:"request_id"`
	Body      json.RawMessage `json:"body"`
}

// ErrorBody is the payload of an Error frame (spec.md §4.2 "Error frames").
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RegisterInstanceRequest marks an instance running, optionally resuming.
type RegisterInstanceRequest struct {
	InstanceID string  `json:"instance_id"`
	TenantID   string  `json:"tenant_id"`
	ResumeFrom *string `json:"resume_from,omitempty"`
}

type RegisterInstanceResponse struct {
	Status persistence.Status `json:"status"`
}

// CheckpointRequest is the save-or-resume primitive (spec.md §4.4).
type CheckpointRequest struct {
	InstanceID   string `json:"instance_id"`
	CheckpointID string `json:"checkpoint_id"`
	State        []byte `json:"state"`
}

type CheckpointResponse struct {
	Found         bool                  `json:"found"`
	State         []byte                `json:"state"`
	PendingSignal *persistence.Signal   `json:"pending_signal,omitempty"`
}

type GetCheckpointRequest struct {
	InstanceID   string `json:"instance_id"`
	CheckpointID string `json:"checkpoint_id"`
}

type GetCheckpointResponse struct {
	Found bool   `json:"found"`
	State []byte `json:"state"`
}

// SleepRequest implements the short/long sleep split of spec.md §4.4.
type SleepRequest struct {
	InstanceID   string  `json:"instance_id"`
	DurationMS   int64   `json:"duration_ms"`
	CheckpointID string  `json:"checkpoint_id"`
	State        []byte  `json:"state,omitempty"`
}

type SleepResponse struct {
	Deferred bool `json:"deferred"`
}

type PollSignalsRequest struct {
	InstanceID string `json:"instance_id"`
}

type PollSignalsResponse struct {
	Signal *persistence.Signal `json:"signal,omitempty"`
}

// SignalAckRequest is fire-and-forget: the client never reads the reply side
// of its stream.
type SignalAckRequest struct {
	InstanceID   string                  `json:"instance_id"`
	SignalType   persistence.SignalType  `json:"signal_type"`
	Acknowledged bool                    `json:"acknowledged"`
}

// InstanceEventRequest is fire-and-forget.
type InstanceEventRequest struct {
	InstanceID string                  `json:"instance_id"`
	EventType  persistence.EventType   `json:"event_type"`
	Payload    []byte                  `json:"payload,omitempty"`
	Subtype    string                  `json:"subtype,omitempty"`
}

// RetryAttemptRequest is fire-and-forget.
type RetryAttemptRequest struct {
	InstanceID   string  `json:"instance_id"`
	CheckpointID string  `json:"checkpoint_id"`
	Attempt      int     `json:"attempt"`
	Error        *string `json:"error,omitempty"`
}

type GetInstanceStatusRequest struct {
	InstanceID string `json:"instance_id"`
}

type GetInstanceStatusResponse struct {
	Instance *persistence.Instance `json:"instance"`
}

// SendSignalRequest originates from the management path, proxied by
// Environment to Core.
type SendSignalRequest struct {
	InstanceID string                 `json:"instance_id"`
	SignalType persistence.SignalType `json:"signal_type"`
	Payload    []byte                 `json:"payload,omitempty"`
}

type SendSignalResponse struct{}

type SendCustomSignalRequest struct {
	InstanceID   string `json:"instance_id"`
	CheckpointID string `json:"checkpoint_id"`
	Payload      []byte `json:"payload"`
}

type SendCustomSignalResponse struct{}

type ListCheckpointsRequest struct {
	InstanceID string `json:"instance_id"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

type ListCheckpointsResponse struct {
	Checkpoints []*persistence.Checkpoint `json:"checkpoints"`
}

type ListEventsRequest struct {
	InstanceID string `json:"instance_id"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

type ListEventsResponse struct {
	Events []*persistence.Event `json:"events"`
}

type HealthCheckRequest struct{}

type HealthCheckResponse struct {
	Healthy bool `json:"healthy"`
}

// RegisterImageRequest uploads (or re-registers) an Environment-owned image
// record. The unary variant carries the whole bundle inline; large binaries
// use the streaming header-frame-then-raw-bytes variant instead (spec.md
// §4.2), which this struct does not model.
type RegisterImageRequest struct {
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	RunnerType  string `json:"runner_type"`
	BundlePath  string `json:"bundle_path"`
}

type RegisterImageResponse struct {
	ImageID string `json:"image_id"`
}

type ListImagesRequest struct {
	TenantID string `json:"tenant_id"`
	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
}

type ListImagesResponse struct {
	Images []ImageInfo `json:"images"`
}

type GetImageRequest struct {
	ImageID string `json:"image_id"`
}

type GetImageResponse struct {
	Found bool      `json:"found"`
	Image ImageInfo `json:"image"`
}

type DeleteImageRequest struct {
	ImageID string `json:"image_id"`
}

type DeleteImageResponse struct{}

// ImageInfo mirrors environment.Image without introducing an import cycle
// (environment depends on wire, not the reverse).
type ImageInfo struct {
	ImageID     string `json:"image_id"`
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	RunnerType  string `json:"runner_type"`
	BundlePath  string `json:"bundle_path"`
	CreatedAt   int64  `json:"created_at"`
}

// StartInstanceRequest asks Environment to materialize a run directory and
// launch a container for a brand-new instance.
type StartInstanceRequest struct {
	InstanceID string            `json:"instance_id"`
	TenantID   string            `json:"tenant_id"`
	ImageID    string            `json:"image_id"`
	Input      []byte            `json:"input,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	TimeoutMS  int64             `json:"timeout_ms,omitempty"`
}

type StartInstanceResponse struct {
	HandleID string `json:"handle_id"`
}

type StopInstanceRequest struct {
	InstanceID string `json:"instance_id"`
}

type StopInstanceResponse struct{}

// ResumeInstanceRequest is the wake scheduler's RPC to Environment: relaunch
// a previously-started instance after it was suspended for a long sleep.
type ResumeInstanceRequest struct {
	InstanceID string `json:"instance_id"`
}

type ResumeInstanceResponse struct {
	HandleID string `json:"handle_id"`
}

// EncodeMessage marshals body into a Message envelope of the given kind.
func EncodeMessage(kind MessageKind, requestID string, body any) (Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("wire: encode %s body: %w", kind, err)
	}
	return Message{Kind: kind, RequestID: requestID, Body: raw}, nil
}

// DecodeBody unmarshals a Message's body into out.
func DecodeBody(msg Message, out any) error {
	if err := json.Unmarshal(msg.Body, out); err != nil {
		return fmt.Errorf("wire: decode %s body: %w", msg.Kind, err)
	}
	return nil
}
