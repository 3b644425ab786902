package models

import "time"

// TaskState is the broker-owned state of one unit of work.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskRetrying  TaskState = "retrying"
	TaskFailed    TaskState = "failed"
)

// Task type names. Routing from type to queue is a static table in the
// broker package; these are the only types the pipeline enqueues.
const (
	TaskEmbedBatch    = "embed_batch"
	TaskBatchComplete = "batch_complete"
	TaskPromote       = "promote_version"
	TaskRebuild       = "rebuild"
	TaskCleanup       = "cleanup"
)

// Task is a unit of work carried by the broker. Payload is an opaque,
// task-type-specific msgpack blob; large inputs live in the index store
// and the payload only references them.
type Task struct {
	ID         string    `msgpack:"id"`
	Type       string    `msgpack:"type"`
	Queue      string    `msgpack:"queue"`
	Payload    []byte    `msgpack:"payload"`
	Retries    int       `msgpack:"retries"`
	EnqueuedAt time.Time `msgpack:"enqueued_at"`
	RunAt      time.Time `msgpack:"run_at"`
}

// EmbedBatchPayload references one batch of source documents to embed.
type EmbedBatchPayload struct {
	GenerationID string `msgpack:"generation_id"`
	BatchIndex   int    `msgpack:"batch_index"`
	TotalBatches int    `msgpack:"total_batches"`
}

// BatchCompletePayload is the completion marker emitted after a batch is
// written to the index store.
type BatchCompletePayload struct {
	GenerationID string `msgpack:"generation_id"`
	BatchIndex   int    `msgpack:"batch_index"`
	TotalBatches int    `msgpack:"total_batches"`
	VectorCount  int    `msgpack:"vector_count"`
}

// PromotePayload asks the hot-swap coordinator to validate and promote a
// freshly built version.
type PromotePayload struct {
	GenerationID string `msgpack:"generation_id"`
	VersionID    string `msgpack:"version_id"`
}
