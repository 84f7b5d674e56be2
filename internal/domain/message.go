package domain

// Wire protocol model: newline-delimited JSON envelopes exchanged with a
// child process. The payload shape is chosen directly by the envelope type;
// decoding lives in infra/ipc.

// MessageType is the envelope type discriminant.
type MessageType string

const (
	MessageTaskspaceState MessageType = "taskspace_state"
	MessageSpawnTaskspace MessageType = "spawn_taskspace"
	// MessageUpdateTaskspace is the legacy single-purpose predecessor of
	// taskspace_state. Still accepted.
	MessageUpdateTaskspace MessageType = "update_taskspace"
	MessageDeleteTaskspace MessageType = "delete_taskspace"
	MessageLogProgress     MessageType = "log_progress"
	MessageSignalUser      MessageType = "signal_user"
	MessageRegisterWindow  MessageType = "register_taskspace_window"
	MessageResponse        MessageType = "response"

	// MessageRollCall is broadcast to the child unsolicited, asking live
	// sessions to re-register themselves. No reply is expected.
	MessageRollCall MessageType = "taskspace_roll_call"
)

// Sender describes the caller's context. It is informational and never used
// for routing.
type Sender struct {
	WorkingDirectory string  `json:"workingDirectory"`
	TaskspaceUUID    *string `json:"taskspaceUuid"`
	ShellPID         *int    `json:"shellPid"`
}

// Envelope is one inbound protocol message. ID is the correlation key: the
// eventual response carries the same value. Payload holds the concrete
// request struct for Type (one of the *Request types below), or nil when the
// type is unknown or the message carried no payload.
type Envelope struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id"`
	Sender  Sender      `json:"sender"`
	Payload any         `json:"payload"`
}

// TaskspaceUUID returns the taskspace id the message concerns: the
// payload-level id when the request carries one, otherwise the sender's.
func (e *Envelope) TaskspaceUUID() string {
	switch p := e.Payload.(type) {
	case *DeleteTaskspaceRequest:
		if p != nil && p.TaskspaceUUID != "" {
			return p.TaskspaceUUID
		}
	case *RegisterWindowRequest:
		if p != nil && p.TaskspaceUUID != "" {
			return p.TaskspaceUUID
		}
	}
	if e.Sender.TaskspaceUUID != nil {
		return *e.Sender.TaskspaceUUID
	}
	return ""
}

// TaskspaceStateRequest both reads and conditionally writes taskspace
// fields. Nil pointers mean "not supplied"; a request with no fields is an
// idempotent read.
type TaskspaceStateRequest struct {
	Name         *string `json:"name,omitempty"`
	Description  *string `json:"description,omitempty"`
	Collaborator *string `json:"collaborator,omitempty"`
}

// Empty returns true when no field was supplied (pure read).
func (r *TaskspaceStateRequest) Empty() bool {
	return r == nil || (r.Name == nil && r.Description == nil && r.Collaborator == nil)
}

// TaskspaceStateData is the success payload of taskspace_state.
// InitialPrompt is null once delivered: the caller must not resend it.
type TaskspaceStateData struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	InitialPrompt *string  `json:"initial_prompt"`
	AgentCommand  []string `json:"agent_command"`
	Collaborator  *string  `json:"collaborator"`
}

// SpawnTaskspaceRequest creates a new taskspace in the open project.
type SpawnTaskspaceRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	InitialPrompt string `json:"initial_prompt,omitempty"`
	Agent         string `json:"agent,omitempty"`
}

// SpawnTaskspaceData is the success payload of spawn_taskspace.
type SpawnTaskspaceData struct {
	NewTaskspaceUUID string `json:"newTaskspaceUuid"`
}

// UpdateTaskspaceRequest is the legacy name/description update.
type UpdateTaskspaceRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// DeleteTaskspaceRequest asks for a confirmation-gated deletion.
type DeleteTaskspaceRequest struct {
	TaskspaceUUID string `json:"taskspaceUuid,omitempty"`
}

// LogProgressRequest appends a log entry to the taskspace.
type LogProgressRequest struct {
	Message  string      `json:"message"`
	Category LogCategory `json:"category"`
}

// SignalUserRequest flags the taskspace as needing the operator's attention.
type SignalUserRequest struct {
	Message string `json:"message"`
}

// RegisterWindowRequest associates an OS window with a taskspace. Window
// management itself is a collaborator concern; the core only records the
// association.
type RegisterWindowRequest struct {
	TaskspaceUUID string `json:"taskspaceUuid,omitempty"`
	WindowTitle   string `json:"windowTitle,omitempty"`
}

// ResponsePayload is the body of every response envelope.
type ResponsePayload struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
	Data    any     `json:"data"`
}

// Response is the outbound reply for one inbound message. ID echoes the
// originating envelope's correlation id.
type Response struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Payload ResponsePayload `json:"payload"`
}

// SuccessResponse builds a success response for the given correlation id.
func SuccessResponse(id string, data any) Response {
	return Response{
		Type:    MessageResponse,
		ID:      id,
		Payload: ResponsePayload{Success: true, Data: data},
	}
}

// FailureResponse builds a failure response with a machine-readable reason.
func FailureResponse(id, reason string) Response {
	return Response{
		Type:    MessageResponse,
		ID:      id,
		Payload: ResponsePayload{Success: false, Error: &reason},
	}
}
