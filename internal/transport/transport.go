// Package transport defines the boundary between the conversation core and
// whatever messaging frontend drives it. The core consumes inbound events
// and emits notifications through a sink; it never talks to a chat API
// directly.
package transport

// EventKind identifies what an inbound event carries.
type EventKind string

const (
	// EventOperationSelected carries the operation the user picked.
	EventOperationSelected EventKind = "operation_selected"
	// EventFileReceived carries one uploaded file's bytes.
	EventFileReceived EventKind = "file_received"
	// EventTextReceived carries a free-text reply (parameter input).
	EventTextReceived EventKind = "text_received"
	// EventDone signals the user has finished uploading inputs.
	EventDone EventKind = "done_signal"
	// EventCancel aborts the user's current workflow.
	EventCancel EventKind = "cancel_signal"
	// EventStats requests the user's current usage standing.
	EventStats EventKind = "stats_signal"
)

// Event is one inbound message from the frontend, already demultiplexed to
// a user.
type Event struct {
	UserID string
	Kind   EventKind

	// Operation is set for EventOperationSelected.
	Operation string
	// Text is set for EventTextReceived.
	Text string
	// Filename and Payload are set for EventFileReceived.
	Filename string
	Payload  []byte
	// Username is optional frontend-supplied display data, recorded on
	// first contact.
	Username string
}

// ResultKind classifies an outbound notification.
type ResultKind string

const (
	// ResultPrompt asks the user for the next input.
	ResultPrompt ResultKind = "prompt"
	// ResultDocument delivers one or more produced files.
	ResultDocument ResultKind = "document"
	// ResultText delivers extracted or informational text.
	ResultText ResultKind = "text"
	// ResultInputError reports a problem the user can fix.
	ResultInputError ResultKind = "input_error"
	// ResultCapacityError reports a structural limit was breached, e.g. too
	// many input files for one operation.
	ResultCapacityError ResultKind = "capacity_error"
	// ResultQuotaExceeded reports the daily ceiling was reached.
	ResultQuotaExceeded ResultKind = "quota_exceeded"
	// ResultEngineError reports an internal transformation failure.
	ResultEngineError ResultKind = "engine_error"
	// ResultUnavailable reports a retryable infrastructure failure.
	ResultUnavailable ResultKind = "unavailable"
	// ResultCancelled confirms the workflow was torn down.
	ResultCancelled ResultKind = "cancelled"
)

// File is one produced artifact in a notification.
type File struct {
	Name string
	Data []byte
}

// Notification is one outbound message for a user.
type Notification struct {
	UserID  string
	Kind    ResultKind
	Message string
	Files   []File
}

// Notifier is the outbound sink the core emits through. Implementations
// must tolerate concurrent calls for different users.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(n Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }
