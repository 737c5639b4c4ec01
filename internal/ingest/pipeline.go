// Package ingest orchestrates the bill ingestion pipeline: fetch
// candidate emails, extract fields, compute the split and insert new
// bill records. Each candidate commits independently, so a crash
// mid-batch loses nothing and re-running is safe; duplicate detection
// makes at-least-once scanning idempotent.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wattsplit/wattsplit/internal/bills"
	"github.com/wattsplit/wattsplit/internal/extract"
	"github.com/wattsplit/wattsplit/internal/money"
)

// ErrRunInProgress indicates another pipeline run holds the lock.
var ErrRunInProgress = errors.New("ingest: another run is in progress")

// Candidate is one raw email record from the mailbox source.
type Candidate struct {
	ID         string
	Subject    string
	RawText    string
	ReceivedAt time.Time
}

// Source fetches candidate emails. Implemented by the mailbox client.
type Source interface {
	FetchCandidates(ctx context.Context, since time.Time) ([]Candidate, error)
}

// Store is the slice of the bill store the pipeline writes through.
type Store interface {
	Insert(ctx context.Context, input bills.InsertBillInput) (*bills.Bill, error)
}

// Locker serializes pipeline runs across triggers (cron and manual).
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// Counters receives pipeline outcome increments. Satisfied by the
// observability metrics; a nil implementation is fine.
type Counters interface {
	BillCreated()
	DuplicateSkipped()
	ExtractionFailed()
}

// Result summarises one pipeline run.
type Result struct {
	Created            []int64 `json:"created"`
	DuplicatesSkipped  int     `json:"duplicates_skipped"`
	ExtractionFailures int     `json:"extraction_failures"`
}

// Pipeline wires the source, extractor, split calculator and store.
type Pipeline struct {
	source   Source
	store    Store
	locker   Locker
	counters Counters
	ratio    decimal.Decimal
	logger   *slog.Logger
}

// NewPipeline constructs the ingestion pipeline. ratio is the fraction
// owed by the other party, fixed per deployment.
func NewPipeline(source Source, store Store, locker Locker, counters Counters, ratio decimal.Decimal, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		source:   source,
		store:    store,
		locker:   locker,
		counters: counters,
		ratio:    ratio,
		logger:   logger,
	}
}

// Run fetches and processes candidates received since now-daysBack.
// One bad candidate never aborts the batch: extraction failures and
// duplicates are counted and the loop continues. Only a store failure
// (the single fatal condition) stops the run.
func (p *Pipeline) Run(ctx context.Context, daysBack int) (*Result, error) {
	if daysBack <= 0 {
		daysBack = 30
	}

	if p.locker != nil {
		release, ok, err := p.locker.TryLock(ctx)
		if err != nil {
			return nil, fmt.Errorf("ingest: acquire lock: %w", err)
		}
		if !ok {
			return nil, ErrRunInProgress
		}
		defer release()
	}

	since := time.Now().AddDate(0, 0, -daysBack)
	candidates, err := p.source.FetchCandidates(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("ingest: fetch candidates: %w", err)
	}
	p.logger.Info("ingestion run started",
		slog.Int("candidates", len(candidates)),
		slog.Time("since", since))

	result := &Result{Created: []int64{}}
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		bill, err := p.processCandidate(ctx, candidate)
		switch {
		case errors.Is(err, bills.ErrDuplicate):
			result.DuplicatesSkipped++
			if p.counters != nil {
				p.counters.DuplicateSkipped()
			}
			p.logger.Info("duplicate bill skipped", slog.String("email_id", candidate.ID))
		case errors.As(err, new(*candidateError)):
			result.ExtractionFailures++
			if p.counters != nil {
				p.counters.ExtractionFailed()
			}
			p.logger.Warn("candidate rejected",
				slog.String("email_id", candidate.ID),
				slog.Any("error", err))
		case err != nil:
			// Store unreachable or another fatal condition.
			return result, fmt.Errorf("ingest: candidate %s: %w", candidate.ID, err)
		default:
			result.Created = append(result.Created, bill.ID)
			if p.counters != nil {
				p.counters.BillCreated()
			}
			p.logger.Info("bill created",
				slog.Int64("bill_id", bill.ID),
				slog.String("amount", bill.Amount.StringFixed(2)),
				slog.String("due_date", bill.DueDate.Format("2006-01-02")))
		}
	}

	p.logger.Info("ingestion run finished",
		slog.Int("created", len(result.Created)),
		slog.Int("duplicates_skipped", result.DuplicatesSkipped),
		slog.Int("extraction_failures", result.ExtractionFailures))
	return result, nil
}

// candidateError marks per-candidate extraction and validation
// problems that count as extraction failures rather than abort the
// batch.
type candidateError struct{ cause error }

func (e *candidateError) Error() string { return e.cause.Error() }
func (e *candidateError) Unwrap() error { return e.cause }

func (p *Pipeline) processCandidate(ctx context.Context, candidate Candidate) (*bills.Bill, error) {
	fields, err := extract.Extract(candidate.RawText)
	if err != nil {
		return nil, &candidateError{cause: err}
	}
	if err := money.RequireTwoDecimals(fields.Amount); err != nil {
		return nil, &candidateError{cause: err}
	}

	other, self := money.Split(fields.Amount, p.ratio)
	input := bills.InsertBillInput{
		Amount:          fields.Amount,
		DueDate:         fields.DueDate,
		PeriodStart:     fields.PeriodStart,
		PeriodEnd:       fields.PeriodEnd,
		OtherPortion:    other,
		SelfPortion:     self,
		EmailID:         candidate.ID,
		EmailSubject:    candidate.Subject,
		EmailReceivedAt: candidate.ReceivedAt,
		Notes:           "added from email: " + candidate.Subject,
	}
	return p.store.Insert(ctx, input)
}
