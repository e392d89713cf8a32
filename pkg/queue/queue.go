package queue

import (
	"context"
	"errors"
	"time"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job kinds handled by the consultation workers.
const (
	KindLedgerAppend  = "ledger.append"
	KindReportArchive = "report.archive"
)

type JobStatus struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	ConsultationID int64     `json:"consultationId"`
	Status         string    `json:"status"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	Attempts       int       `json:"attempts"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Handler processes one job. Returning an error schedules a retry unless the
// error is wrapped with Permanent or the retry budget is spent.
type Handler func(ctx context.Context, job JobStatus) error

// JobQueue is a durable at-least-once job queue.
type JobQueue interface {
	Enqueue(ctx context.Context, kind string, consultationID int64) (JobStatus, error)
	Start(ctx context.Context, concurrency int, handler Handler)
	Close() error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
