package domain

import "time"

// JobItem is one unit of deployment work on the queue.
type JobItem struct {
	JobID        string        `json:"job_id"`
	DeploymentID string        `json:"deployment_id"`
	AttemptsMade int           `json:"attempts_made"`
	MaxAttempts  int           `json:"max_attempts"`
	Timeout      time.Duration `json:"timeout"`
	EnqueuedAt   time.Time     `json:"enqueued_at"`
}

// QueueStats describes the queue for introspection and metrics.
type QueueStats struct {
	Ready     int `json:"ready"`
	Delayed   int `json:"delayed"`
	Leased    int `json:"leased"`
	Completed int `json:"completed"`
}
