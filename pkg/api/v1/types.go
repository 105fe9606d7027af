// Package v1 defines the public API types shared between the control
// plane and its clients.
package v1

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskStatus is the lifecycle of an asynchronous task.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskStarted TaskStatus = "STARTED"
	TaskSuccess TaskStatus = "SUCCESS"
	TaskFailure TaskStatus = "FAILURE"
)

// InFlight reports whether a task with this status still holds its
// single-flight slot.
func (s TaskStatus) InFlight() bool {
	return s == TaskPending || s == TaskStarted
}

// Env is a single environment variable with its value redacted on read
// paths.
type Env struct {
	Key   string  `json:"key"`
	Value *string `json:"value"`
}

// RedactEnvFile parses a KEY=VALUE env bundle into a redacted listing.
// Values are masked; empty values stay nil.
func RedactEnvFile(envFile string) []Env {
	var envs []Env
	for _, line := range strings.Split(envFile, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		env := Env{Key: key}
		if strings.TrimSpace(value) != "" {
			masked := "**********"
			env.Value = &masked
		}
		envs = append(envs, env)
	}
	return envs
}

// AgentBase is the writable portion of an agent.
type AgentBase struct {
	OwnerID       string          `json:"owner_id"`
	CharacterJSON json.RawMessage `json:"character_json"`
	EnvFile       string          `json:"env_file"`
}

// AgentUpdate is a partial agent patch. Nil fields are left untouched.
type AgentUpdate struct {
	CharacterJSON json.RawMessage `json:"character_json,omitempty"`
	EnvFile       *string         `json:"env_file,omitempty"`
}

// AgentPublic is the read model for an agent. The env bundle is redacted
// to keys.
type AgentPublic struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	CharacterJSON   json.RawMessage `json:"character_json"`
	EnvFile         []Env           `json:"env_file"`
	RuntimeID       *string         `json:"runtime_id"`
	ExternalAgentID *string         `json:"external_agent_id"`
	Runtime         *Runtime        `json:"runtime,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Runtime is the read model for a provisioned runtime.
type Runtime struct {
	ID                 string     `json:"id"`
	ServiceNo          int        `json:"service_no"`
	URL                string     `json:"url"`
	Started            bool       `json:"started"`
	LastHealthcheck    *time.Time `json:"last_healthcheck"`
	FailedHealthchecks int        `json:"failed_healthchecks"`
	CreatedAt          time.Time  `json:"created_at"`
}

// RuntimeCreateTask is returned by POST /runtimes: the row is visible
// immediately, the task converges it to healthy.
type RuntimeCreateTask struct {
	TaskID  string  `json:"task_id"`
	Runtime Runtime `json:"runtime"`
}

// RuntimeUpdateTask is returned by PATCH /runtimes/{id}.
type RuntimeUpdateTask struct {
	TaskID    string `json:"task_id"`
	RuntimeID string `json:"runtime_id"`
}

// RuntimeDeleteTask is returned by DELETE /runtimes/{id}.
type RuntimeDeleteTask struct {
	TaskID    string `json:"task_id"`
	RuntimeID string `json:"runtime_id"`
}

// AgentStartTask is returned by the start-agent endpoints.
type AgentStartTask struct {
	TaskID    string `json:"task_id"`
	AgentID   string `json:"agent_id"`
	RuntimeID string `json:"runtime_id"`
}

// TaskStatusResponse reports the status of a task by id.
type TaskStatusResponse struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}
