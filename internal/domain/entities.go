// Package domain defines the core entities, state enums, and error taxonomy
// shared by every layer of the engine.
package domain

import (
	"context"
	"time"
)

// Context is a type alias to stdlib context.Context, used across layers so
// adapters never need to import "context" solely for signatures.
type Context = context.Context

// AlphaStatus is the lifecycle state of an Alpha row.
type AlphaStatus string

const (
	AlphaPending    AlphaStatus = "PENDING"
	AlphaSimulating AlphaStatus = "SIMULATING"
	AlphaDone       AlphaStatus = "DONE"
	AlphaError      AlphaStatus = "ERROR"
)

// Alpha is a symbolic factor expression and the settings it is evaluated
// under. Expression is its identity: duplicates collapse.
type Alpha struct {
	Expression     string
	Region         string
	Universe       string
	Language       string
	Delay          int
	Decay          int
	Neutralization string
	Status         AlphaStatus
	IsSharpe       *float64
	IsFitness      *float64
	IsTurnover     *float64
	IsReturns      *float64
	IsDrawdown     *float64
	IsPnl          *float64
	MetricsJSON    string // merged JSON tree, default "{}"
	ChecksJSON     string // JSON array, default "[]"
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobStatus is the state-machine state of a backtest Job.
type JobStatus string

const (
	JobQueued          JobStatus = "QUEUED"
	JobRetryWait       JobStatus = "RETRY_WAIT"
	JobClaimed         JobStatus = "CLAIMED"
	JobSubmitting      JobStatus = "SUBMITTING"
	JobRunning         JobStatus = "RUNNING"
	JobFetching        JobStatus = "FETCHING"
	JobDone            JobStatus = "DONE"
	JobFailedPermanent JobStatus = "FAILED_PERMANENT"
)

// Terminal reports whether status is one of the two terminal states.
func (s JobStatus) Terminal() bool { return s == JobDone || s == JobFailedPermanent }

// Claimable reports whether a job in this status is eligible for claim_next.
func (s JobStatus) Claimable() bool { return s == JobQueued || s == JobRetryWait }

// ErrorKind classifies a worker or validation failure.
type ErrorKind string

const (
	ErrKindInfra         ErrorKind = "Infra" // retryable
	ErrKindAlpha         ErrorKind = "Alpha" // permanent, expression-specific
	ErrKindInternal      ErrorKind = "Internal"
	ErrKindRetryExceeded ErrorKind = "RETRY_EXCEEDED"
	ErrKindPermanent     ErrorKind = "PERMANENT"
)

// Job is one scheduled attempt to simulate an expression.
type Job struct {
	ID               int64
	Expression       string
	Region           string
	Universe         string
	Status           JobStatus
	Priority         int
	RetryCount       int
	MaxRetries       int
	NextRunAt        time.Time
	ClaimedBy        *string
	ClaimedAt        *time.Time
	SimulationID     *string
	AlphaID          *string
	MetricsJSON      *string
	ChecksJSON       *string
	LastErrorKind    *ErrorKind
	LastErrorCode    *string
	LastErrorMessage *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FieldScope asserts that a field is available in a (region, universe,
// delay) execution context.
type FieldScope struct {
	FieldID  string
	Region   string
	Universe string
	Delay    int
	IsEvent  bool
}

// Field is the master row for a data field: description/dataset/category.
type Field struct {
	FieldID         string
	Description     string
	DatasetID       string
	DatasetName     string
	CategoryID      string
	CategoryName    string
	SubcategoryID   string
	SubcategoryName string
	FieldType       string
}

// Operator is a single entry from the upstream /operators catalog.
type Operator struct {
	Name          string
	Category      string
	Type          string
	Definition    string
	Description   string
	Scope         []string
	Documentation string
	Level         string
}

// Stats summarizes the backtest job queue.
type Stats struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Retryable int
	Fatal     int
	Exceeded  int
}

// FieldStatsRow is one row of FieldStore.StatsByRUD.
type FieldStatsRow struct {
	Region           string
	Universe         string
	Delay            int
	DistinctFieldCnt int
}

// BacktestResult is the successful outcome of a Worker attempt.
type BacktestResult struct {
	SimulationID string
	AlphaID      string
	IsSharpe     *float64
	IsFitness    *float64
	IsTurnover   *float64
	IsReturns    *float64
	IsDrawdown   *float64
	IsPnl        *float64
	MetricsJSON  string
	ChecksJSON   string
}

// BacktestError is a classified worker failure.
type BacktestError struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // advisory only; job-level scheduling always uses the backoff formula
}

func (e *BacktestError) Error() string { return string(e.Kind) + ": " + e.Message }

// Retryable reports whether this error should feed the retry/backoff path.
func (e *BacktestError) Retryable() bool { return e.Kind == ErrKindInfra }

// InfraErr constructs a retryable Infra-classified error.
func InfraErr(msg string) *BacktestError { return &BacktestError{Kind: ErrKindInfra, Message: msg} }

// AlphaErr constructs a permanent Alpha-classified error.
func AlphaErr(msg string) *BacktestError { return &BacktestError{Kind: ErrKindAlpha, Message: msg} }

// InternalErr constructs a permanent Internal-classified error.
func InternalErr(msg string) *BacktestError {
	return &BacktestError{Kind: ErrKindInternal, Message: msg}
}
