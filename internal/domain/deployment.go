package domain

import "time"

// Deployment states.
const (
	StateQueued    = "queued"
	StateCloning   = "cloning"
	StateBuilding  = "building"
	StateDeploying = "deploying"
	StateSuccess   = "success"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Environments accepted at intake.
const (
	EnvironmentSchool  = "school"
	EnvironmentStaging = "staging"
	EnvironmentProd    = "prod"
)

// Budget tiers accepted at intake.
const (
	BudgetFree = "free"
	BudgetLow  = "low"
	BudgetAny  = "any"
)

// DeployConfig carries per-deployment build configuration supplied at intake.
type DeployConfig struct {
	Name           string            `json:"name"`
	BuildCommand   string            `json:"build_command,omitempty"`
	BuildDirectory string            `json:"build_directory,omitempty"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
}

// Deployment tracks one user request through the pipeline.
type Deployment struct {
	ID                   string
	RepoURL              string
	Branch               string
	Environment          string
	Budget               string
	PreferredProviders   []string
	ExplicitProvider     string
	ExplicitCredentialID string
	Config               DeployConfig
	State                string
	ChosenProvider       string
	DeploymentURL        string
	ErrorMessage         string
	Detected             *DetectionResult
	JobHandle            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
}

// Terminal reports whether the state admits no further transitions.
func Terminal(state string) bool {
	switch state {
	case StateSuccess, StateFailed, StateCancelled:
		return true
	}
	return false
}

// allowedPrior lists the states a deployment may be in immediately before
// entering the given state. Cancellation may preempt any non-terminal state;
// retried attempts may re-enter the pipeline state they are already in, and
// any move back to an earlier state is rejected.
var allowedPrior = map[string][]string{
	StateCloning:   {StateQueued, StateCloning},
	StateBuilding:  {StateCloning, StateBuilding},
	StateDeploying: {StateBuilding, StateDeploying},
	StateSuccess:   {StateDeploying},
	StateFailed:    {StateQueued, StateCloning, StateBuilding, StateDeploying},
	StateCancelled: {StateQueued, StateCloning, StateBuilding, StateDeploying},
}

// AllowedPrior returns the valid predecessor states for a transition target.
func AllowedPrior(target string) []string {
	prior, ok := allowedPrior[target]
	if !ok {
		return nil
	}
	out := make([]string, len(prior))
	copy(out, prior)
	return out
}

// ValidTransition reports whether from -> to respects the deployment DAG.
func ValidTransition(from, to string) bool {
	for _, prior := range allowedPrior[to] {
		if prior == from {
			return true
		}
	}
	return false
}

// StateUpdate captures one state-machine-aware mutation of a deployment.
type StateUpdate struct {
	DeploymentID   string
	State          string
	ChosenProvider string
	DeploymentURL  string
	ErrorMessage   string
	Detected       *DetectionResult
}
