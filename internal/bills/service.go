package bills

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RepositoryPort defines the store contract the tracker depends on.
type RepositoryPort interface {
	Get(ctx context.Context, id int64) (*Bill, error)
	MarkStage(ctx context.Context, id int64, stage Stage, artifactRef string) (*Bill, bool, error)
	ListPending(ctx context.Context) ([]Bill, error)
	List(ctx context.Context, limit int) ([]Bill, error)
	ListLog(ctx context.Context, billID int64, limit int) ([]LogEntry, error)
	AppendLog(ctx context.Context, billID int64, action, outcome, details string) error
	Stats(ctx context.Context) (*Stats, error)
}

// Renderer produces the PDF summary for a bill and returns the
// artifact path. Rendering is deterministic per bill, so a retry
// overwrites the previous artifact.
type Renderer interface {
	Render(ctx context.Context, bill *Bill) (string, error)
}

// Notifier delivers the bill summary to the other party. The PDF
// artifact is mandatory. Implementations must support a simulate mode
// that succeeds without external side effects.
type Notifier interface {
	Send(ctx context.Context, bill *Bill, artifactPath string) (string, error)
}

// LinkBuilder constructs payment-request links. Pure string
// construction, no I/O.
type LinkBuilder interface {
	BuildLink(bill *Bill) (deepLink, webLink string, err error)
}

// Options carries the per-deployment executor switches. They mirror
// the feature flags of the runtime configuration; a disabled executor
// reports ErrActionDisabled instead of silently succeeding.
type Options struct {
	PDFEnabled      bool
	NotifyEnabled   bool
	PaymentsEnabled bool
	AutoOpenLinks   bool
	ExecutorTimeout time.Duration
}

// Service is the action tracker. It reads bills from the store,
// invokes the executors and records every attempt in the processing
// log. Executor failures leave the bill in its current stage; a retry
// re-invokes the same executor with the same inputs.
type Service struct {
	repo     RepositoryPort
	renderer Renderer
	notifier Notifier
	links    LinkBuilder
	opts     Options
	logger   *slog.Logger
}

// NewService builds the tracker.
func NewService(repo RepositoryPort, renderer Renderer, notifier Notifier, links LinkBuilder, opts Options, logger *slog.Logger) *Service {
	if opts.ExecutorTimeout <= 0 {
		opts.ExecutorTimeout = 30 * time.Second
	}
	return &Service{
		repo:     repo,
		renderer: renderer,
		notifier: notifier,
		links:    links,
		opts:     opts,
		logger:   logger,
	}
}

// Get returns a bill by id.
func (s *Service) Get(ctx context.Context, id int64) (*Bill, error) {
	return s.repo.Get(ctx, id)
}

// Pending lists bills with outstanding stages, oldest first.
func (s *Service) Pending(ctx context.Context) ([]Bill, error) {
	return s.repo.ListPending(ctx)
}

// Recent lists the newest bills.
func (s *Service) Recent(ctx context.Context, limit int) ([]Bill, error) {
	return s.repo.List(ctx, limit)
}

// Log returns processing log entries for one bill.
func (s *Service) Log(ctx context.Context, billID int64, limit int) ([]LogEntry, error) {
	return s.repo.ListLog(ctx, billID, limit)
}

// Stats aggregates store totals.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.repo.Stats(ctx)
}

// GeneratePDF runs the PDF executor for a bill. Re-invoking after the
// stage is set returns the prior state without touching the renderer.
func (s *Service) GeneratePDF(ctx context.Context, id int64) (*Bill, error) {
	if !s.opts.PDFEnabled {
		return nil, ErrActionDisabled
	}
	bill, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if bill.StageDone(StagePDFReady) {
		return bill, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.ExecutorTimeout)
	defer cancel()

	path, err := s.renderer.Render(ctx, bill)
	if err != nil {
		s.recordFailure(ctx, bill.ID, ActionPDFGenerated, err)
		return nil, fmt.Errorf("bills: render pdf for bill %d: %w", id, err)
	}

	updated, _, err := s.repo.MarkStage(ctx, id, StagePDFReady, path)
	if err != nil {
		return nil, err
	}
	s.logger.Info("pdf generated", slog.Int64("bill_id", id), slog.String("path", path))
	return updated, nil
}

// SendNotification runs the notification executor. The PDF is a hard
// prerequisite because it travels as the attachment.
func (s *Service) SendNotification(ctx context.Context, id int64) (*Bill, error) {
	if !s.opts.NotifyEnabled {
		return nil, ErrActionDisabled
	}
	bill, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if bill.StageDone(StageNotified) {
		return bill, nil
	}
	if !bill.StageDone(StagePDFReady) {
		return nil, fmt.Errorf("%w: generate the PDF before notifying", ErrPrerequisite)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.ExecutorTimeout)
	defer cancel()

	deliveryID, err := s.notifier.Send(ctx, bill, bill.PDFPath)
	if err != nil {
		s.recordFailure(ctx, bill.ID, ActionNotificationSent, err)
		return nil, fmt.Errorf("bills: notify for bill %d: %w", id, err)
	}

	updated, _, err := s.repo.MarkStage(ctx, id, StageNotified, deliveryID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("notification sent", slog.Int64("bill_id", id), slog.String("delivery_id", deliveryID))
	return updated, nil
}

// PaymentRequest is the result of the payment-link executor.
type PaymentRequest struct {
	Bill     *Bill
	DeepLink string
	WebLink  string
	// OpenHint tells the caller the deployment wants the deep link
	// opened in the local payment app. The service itself never
	// launches anything.
	OpenHint bool
}

// CreatePaymentRequest builds and records the payment-request link.
// Independent of notification: either may happen first. Re-invocation
// returns the stored link.
func (s *Service) CreatePaymentRequest(ctx context.Context, id int64) (*PaymentRequest, error) {
	if !s.opts.PaymentsEnabled {
		return nil, ErrActionDisabled
	}
	bill, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	deep, web, err := s.links.BuildLink(bill)
	if err != nil {
		s.recordFailure(ctx, bill.ID, ActionPaymentRequested, err)
		return nil, fmt.Errorf("bills: build payment link for bill %d: %w", id, err)
	}

	if bill.StageDone(StagePaymentRequested) {
		return &PaymentRequest{Bill: bill, DeepLink: bill.PaymentLink, WebLink: web, OpenHint: s.opts.AutoOpenLinks}, nil
	}

	updated, _, err := s.repo.MarkStage(ctx, id, StagePaymentRequested, deep)
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment request created", slog.Int64("bill_id", id))
	return &PaymentRequest{Bill: updated, DeepLink: deep, WebLink: web, OpenHint: s.opts.AutoOpenLinks}, nil
}

// MarkCompleted closes a bill. Completion is always an explicit
// operator action; payment receipt is never inferred.
func (s *Service) MarkCompleted(ctx context.Context, id int64, notes string) (*Bill, error) {
	updated, _, err := s.repo.MarkStage(ctx, id, StageCompleted, notes)
	if err != nil {
		return nil, err
	}
	s.logger.Info("bill completed", slog.Int64("bill_id", id))
	return updated, nil
}

// recordFailure logs an executor failure without changing bill state.
// Log write errors are reported but do not mask the executor error.
func (s *Service) recordFailure(ctx context.Context, billID int64, action string, cause error) {
	if err := s.repo.AppendLog(context.WithoutCancel(ctx), billID, action, OutcomeFailed, cause.Error()); err != nil {
		s.logger.Error("append failure log", slog.Int64("bill_id", billID), slog.Any("error", err))
	}
	s.logger.Warn("executor failed",
		slog.Int64("bill_id", billID),
		slog.String("action", action),
		slog.Any("error", cause))
}
