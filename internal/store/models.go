package store

import "time"

// Runtime is a reservation for one remote container. The cloud-resource
// handles are filled in monotonically during provisioning so teardown can
// release exactly what was created.
type Runtime struct {
	ID                 string     `db:"id"`
	ServiceNo          int        `db:"service_no"`
	URL                string     `db:"url"`
	Started            bool       `db:"started"`
	LastHealthcheck    *time.Time `db:"last_healthcheck"`
	FailedHealthchecks int        `db:"failed_healthchecks"`
	ServiceHandle      *string    `db:"service_handle"`
	TargetGroupHandle  *string    `db:"target_group_handle"`
	HTTPRuleHandle     *string    `db:"http_rule_handle"`
	HTTPSRuleHandle    *string    `db:"https_rule_handle"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

// Agent is an owned character definition, bound to at most one runtime.
// The relation lives on this side only; the reverse lookup is a query.
type Agent struct {
	ID              string    `db:"id"`
	OwnerID         string    `db:"owner_id"`
	CharacterJSON   string    `db:"character_json"`
	EnvFile         string    `db:"env_file"`
	RuntimeID       *string   `db:"runtime_id"`
	ExternalAgentID *string   `db:"external_agent_id"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// User roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is the minimal identity row needed to resolve dynamic-id lookups
// and the admin role.
type User struct {
	ID        string    `db:"id"`
	DynamicID string    `db:"dynamic_id"`
	Role      string    `db:"role"`
	CreatedAt time.Time `db:"created_at"`
}

// TaskKind names a lifecycle task family. Each kind has its own record
// table.
type TaskKind string

const (
	TaskRuntimeCreate TaskKind = "runtime_create"
	TaskRuntimeUpdate TaskKind = "runtime_update"
	TaskRuntimeDelete TaskKind = "runtime_delete"
	TaskAgentStart    TaskKind = "agent_start"
)

// TaskRecord ties a task-engine handle to the entity it operates on.
// For any (kind, key) the most recent record is authoritative.
type TaskRecord struct {
	TaskID    string    `db:"task_id"`
	RuntimeID string    `db:"runtime_id"`
	AgentID   string    `db:"agent_id"`
	CreatedAt time.Time `db:"created_at"`
}

// TaskStatusRow is the engine-owned status entry for one task.
type TaskStatusRow struct {
	TaskID    string    `db:"task_id"`
	Status    string    `db:"status"`
	Error     string    `db:"error"`
	UpdatedAt time.Time `db:"updated_at"`
}
