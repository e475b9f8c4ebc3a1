package api

import "time"

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	RunID         string    `json:"run_id"`
}

type LabelsRequest struct {
	Labels []int `json:"labels"`
}

// SwitchRequest selects a profile by name or by mapped id. Exactly one must
// be set.
type SwitchRequest struct {
	Name     string `json:"name,omitempty"`
	MappedID *int   `json:"mapped_id,omitempty"`
}

// ResetRequest resets one profile, or all profiles when Profile is empty.
type ResetRequest struct {
	Profile string `json:"profile,omitempty"`
}

type StatusResponse struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	RunID         string        `json:"run_id"`
	Enable        bool          `json:"enable"`
	Strategy      string        `json:"strategy"`
	ActiveProfile string        `json:"active_profile"`
	Profiles      []string      `json:"profiles"`
	Last          *StepResponse `json:"last,omitempty"`
}
