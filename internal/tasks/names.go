package tasks

// Task names. Every lifecycle operation that outlives an HTTP request is
// one of these; handlers take ids and re-hydrate entities from the store.
const (
	RuntimeCreate = "runtime.create"
	RuntimeUpdate = "runtime.update"
	RuntimeDelete = "runtime.delete"
	AgentStart    = "agent.start"
	HealthRuntime = "health.runtime"
	HealthAgent   = "health.agent"
)

// RuntimePayload addresses a runtime lifecycle task.
type RuntimePayload struct {
	RuntimeID string `json:"runtime_id"`
}

// AgentStartPayload addresses an agent start on a specific runtime.
type AgentStartPayload struct {
	AgentID   string `json:"agent_id"`
	RuntimeID string `json:"runtime_id"`
}

// AgentHealthPayload addresses an agent drift check.
type AgentHealthPayload struct {
	AgentID string `json:"agent_id"`
}
