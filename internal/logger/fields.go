package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the call chain via context.
const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the archive job ID
	FieldJobID = "job_id"

	// FieldObserverID is the ID of a job stream subscriber
	FieldObserverID = "observer_id"

	// FieldTransport is the push channel an observer is connected through (ws, sse, sink)
	FieldTransport = "transport"

	// FieldComponent is the component/module name
	FieldComponent = "component"
)

// Metric fields, attached per log line through the Entry API.
const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation or HTTP status
	FieldStatus = "status"

	// FieldCode is a rejection code
	FieldCode = "code"
)
