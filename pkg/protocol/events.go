package protocol

// Event topics emitted on the engine bus. Names follow
// namespace:action[:detail]. UIs subscribe to these; the *:response
// topics are published by consumers to answer interactive requests.
const (
	EventSessionReady       = "session:ready"
	EventSessionInterrupted = "session:interrupted"
	EventSessionError       = "session:error"
	EventSessionCleared     = "session:cleared"

	EventStateUpdate = "state:update"

	EventThinkingChunk   = "message:thinking:chunk"
	EventTextChunk       = "message:text:chunk"
	EventMessageComplete = "message:complete"

	EventToolPermissionRequest  = "tool:permission:request"
	EventToolPermissionResponse = "tool:permission:response"
	EventToolExecutionComplete  = "tool:execution:complete"
	EventToolExecutionError     = "tool:execution:error"

	EventPlanExitRequest  = "plan:exit:request"
	EventPlanExitResponse = "plan:exit:response"
	EventPlanImplement    = "plan:implement"

	EventAskQuestionRequest  = "ask:question:request"
	EventAskQuestionResponse = "ask:question:response"

	EventTodosUpdate       = "todos:update"
	EventFileReference     = "file:reference"
	EventConversationUsage = "conversation:usage"
	EventCompactExec       = "compact:exec"
	EventTopicUpdate       = "topic:update"

	EventTaskAgentStart = "task:agent:start"
	EventTaskAgentEnd   = "task:agent:end"

	EventConfigNoModels = "config:no_models"
)

// Permission prompt option identifiers carried in
// tool:permission:request payloads and echoed back in responses.
// Any other selected value is treated as free-form user feedback.
const (
	PermissionAgree  = "agree"  // allow this invocation only
	PermissionAllow  = "allow"  // allow and persist the permission key
	PermissionRefuse = "refuse" // reject the invocation
)

// Plan exit selections for plan:exit:response.
const (
	PlanExitStartEditing         = "startEditing"
	PlanExitClearContextAndStart = "clearContextAndStart"
)

// Agent state values carried in state:update payloads.
const (
	StateIdle       = "idle"
	StateProcessing = "processing"
)
