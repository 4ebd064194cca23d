package api

import (
	"github.com/codeready-toolchain/agentbridge/pkg/connection"
	"github.com/codeready-toolchain/agentbridge/pkg/queue"
	"github.com/codeready-toolchain/agentbridge/pkg/router"
	"github.com/codeready-toolchain/agentbridge/pkg/version"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Build   version.Info           `json:"build"`
	Checks  map[string]HealthCheck `json:"checks,omitempty"`
	Stats   BridgeStats            `json:"stats"`
}

// HealthCheck is the status of one component.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// BridgeStats contains counts of live bridge state.
type BridgeStats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	ActiveRuns  int `json:"active_runs"`
}

// ConnectionResponse is returned by GET /api/v1/connections/:id.
type ConnectionResponse struct {
	ConnectionID  string                  `json:"connection_id"`
	UserID        string                  `json:"user_id"`
	State         connection.State        `json:"state"`
	Transitions   []connection.Transition `json:"transitions"`
	Queue         *queue.Stats            `json:"queue,omitempty"`
	Destination   *router.Destination     `json:"destination,omitempty"`
	ProcessingNow bool                    `json:"can_process_messages"`
}
