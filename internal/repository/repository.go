package repository

import (
	"context"
	"time"

	"github.com/Abhinav21110/deployify/internal/domain"
)

// DeploymentFilter bounds a deployment listing.
type DeploymentFilter struct {
	Page     int
	Limit    int
	State    string
	Provider string
}

// DeploymentRepository stores deployment records with state-machine-aware
// updates. UpdateDeploymentState rejects backward transitions, stamps
// started_at on the first entry to building and completed_at on any terminal
// state.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]domain.Deployment, int, error)
	UpdateDeploymentState(ctx context.Context, update domain.StateUpdate) error
	ListDeploymentsInStates(ctx context.Context, states []string, updatedBefore time.Time) ([]domain.Deployment, error)
}

// CredentialRepository persists encrypted provider credentials.
type CredentialRepository interface {
	CreateCredential(ctx context.Context, credential *domain.Credential) error
	GetCredentialByID(ctx context.Context, id string) (*domain.Credential, error)
	ListCredentialsByOwner(ctx context.Context, owner string) ([]domain.Credential, error)
	FirstActiveCredential(ctx context.Context, provider string) (*domain.Credential, error)
	UpdateCredential(ctx context.Context, credential *domain.Credential) error
	SetCredentialValidity(ctx context.Context, id string, isValid bool, at time.Time) error
	DeleteCredential(ctx context.Context, id, owner string) error
}

// LogRepository handles durable per-deployment log persistence.
type LogRepository interface {
	AppendLogEvent(ctx context.Context, event domain.LogEvent) error
	ListLogEvents(ctx context.Context, deploymentID string, filter domain.LogFilter) ([]domain.LogEvent, error)
	MaxLogEventID(ctx context.Context, deploymentID string) (int64, error)
	SummarizeLogEvents(ctx context.Context, deploymentID string) (domain.LogSummary, error)
	DeleteLogEvents(ctx context.Context, deploymentID string) error
}
