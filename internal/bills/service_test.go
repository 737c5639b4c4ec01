package bills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryBillRepo struct {
	bills  map[int64]*Bill
	logs   []LogEntry
	nextID int64
}

func newMemoryBillRepo() *memoryBillRepo {
	return &memoryBillRepo{bills: make(map[int64]*Bill)}
}

func (r *memoryBillRepo) add(amount, other, self string, due time.Time) *Bill {
	r.nextID++
	bill := &Bill{
		ID:           r.nextID,
		Amount:       decimal.RequireFromString(amount),
		DueDate:      due,
		OtherPortion: decimal.RequireFromString(other),
		SelfPortion:  decimal.RequireFromString(self),
		EmailID:      fmt.Sprintf("email-%d", r.nextID),
		CreatedAt:    time.Now(),
	}
	r.bills[bill.ID] = bill
	return bill
}

func (r *memoryBillRepo) Get(ctx context.Context, id int64) (*Bill, error) {
	bill, ok := r.bills[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *bill
	return &clone, nil
}

func (r *memoryBillRepo) MarkStage(ctx context.Context, id int64, stage Stage, artifactRef string) (*Bill, bool, error) {
	bill, ok := r.bills[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if bill.StageDone(stage) {
		clone := *bill
		return &clone, false, nil
	}
	if bill.Completed {
		return nil, false, ErrCompleted
	}
	now := time.Now()
	switch stage {
	case StagePDFReady:
		bill.PDFGenerated = true
		bill.PDFPath = artifactRef
	case StageNotified:
		bill.Notified = true
		bill.NotifiedAt = &now
	case StagePaymentRequested:
		bill.PaymentLinkGenerated = true
		bill.PaymentLink = artifactRef
	case StageCompleted:
		bill.Completed = true
		bill.CompletedAt = &now
		if artifactRef != "" {
			bill.Notes = artifactRef
		}
	default:
		return nil, false, fmt.Errorf("stage %q cannot be marked", stage)
	}
	r.logs = append(r.logs, LogEntry{BillID: id, Action: string(stage), Outcome: OutcomeOK, Details: artifactRef, CreatedAt: now})
	clone := *bill
	return &clone, true, nil
}

func (r *memoryBillRepo) ListPending(ctx context.Context) ([]Bill, error) {
	var out []Bill
	for _, bill := range r.bills {
		if bill.Pending() {
			out = append(out, *bill)
		}
	}
	return out, nil
}

func (r *memoryBillRepo) List(ctx context.Context, limit int) ([]Bill, error) {
	var out []Bill
	for _, bill := range r.bills {
		out = append(out, *bill)
	}
	return out, nil
}

func (r *memoryBillRepo) ListLog(ctx context.Context, billID int64, limit int) ([]LogEntry, error) {
	var out []LogEntry
	for _, entry := range r.logs {
		if billID == 0 || entry.BillID == billID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *memoryBillRepo) AppendLog(ctx context.Context, billID int64, action, outcome, details string) error {
	r.logs = append(r.logs, LogEntry{BillID: billID, Action: action, Outcome: outcome, Details: details, CreatedAt: time.Now()})
	return nil
}

func (r *memoryBillRepo) Stats(ctx context.Context) (*Stats, error) {
	return &Stats{TotalBills: int64(len(r.bills))}, nil
}

type fakeRenderer struct {
	calls int
	fail  error
}

func (f *fakeRenderer) Render(ctx context.Context, bill *Bill) (string, error) {
	f.calls++
	if f.fail != nil {
		return "", f.fail
	}
	return fmt.Sprintf("/tmp/pdfs/bill-%d.pdf", bill.ID), nil
}

type fakeNotifier struct {
	calls int
	fail  error
}

func (f *fakeNotifier) Send(ctx context.Context, bill *Bill, artifactPath string) (string, error) {
	f.calls++
	if f.fail != nil {
		return "", f.fail
	}
	return fmt.Sprintf("delivery-%d", bill.ID), nil
}

type fakeLinkBuilder struct{ fail error }

func (f *fakeLinkBuilder) BuildLink(bill *Bill) (string, string, error) {
	if f.fail != nil {
		return "", "", f.fail
	}
	return "venmo://paycharge?amount=" + bill.OtherPortion.StringFixed(2),
		"https://venmo.com/?amount=" + bill.OtherPortion.StringFixed(2), nil
}

func newTestService(repo RepositoryPort, renderer Renderer, notifier Notifier, links LinkBuilder) *Service {
	return NewService(repo, renderer, notifier, links, Options{
		PDFEnabled:      true,
		NotifyEnabled:   true,
		PaymentsEnabled: true,
	}, slog.New(slog.DiscardHandler))
}

func TestGeneratePDFIdempotent(t *testing.T) {
	repo := newMemoryBillRepo()
	bill := repo.add("326.71", "108.90", "217.81", time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC))
	renderer := &fakeRenderer{}
	svc := newTestService(repo, renderer, &fakeNotifier{}, &fakeLinkBuilder{})

	updated, err := svc.GeneratePDF(context.Background(), bill.ID)
	require.NoError(t, err)
	require.True(t, updated.PDFGenerated)
	require.NotEmpty(t, updated.PDFPath)

	// Second invocation returns prior state without re-rendering.
	again, err := svc.GeneratePDF(context.Background(), bill.ID)
	require.NoError(t, err)
	require.Equal(t, updated.PDFPath, again.PDFPath)
	require.Equal(t, 1, renderer.calls)
}

func TestGeneratePDFFailureLeavesStage(t *testing.T) {
	repo := newMemoryBillRepo()
	bill := repo.add("100.00", "33.33", "66.67", time.Now())
	renderer := &fakeRenderer{fail: errors.New("gotenberg unreachable")}
	svc := newTestService(repo, renderer, &fakeNotifier{}, &fakeLinkBuilder{})

	_, err := svc.GeneratePDF(context.Background(), bill.ID)
	require.Error(t, err)

	stored, _ := repo.Get(context.Background(), bill.ID)
	require.False(t, stored.PDFGenerated)

	logs, _ := repo.ListLog(context.Background(), bill.ID, 10)
	require.Len(t, logs, 1)
	require.Equal(t, OutcomeFailed, logs[0].Outcome)

	// Retry after the collaborator recovers succeeds.
	renderer.fail = nil
	updated, err := svc.GeneratePDF(context.Background(), bill.ID)
	require.NoError(t, err)
	require.True(t, updated.PDFGenerated)
}

func TestNotificationRequiresPDF(t *testing.T) {
	repo := newMemoryBillRepo()
	bill := repo.add("100.00", "33.33", "66.67", time.Now())
	notifier := &fakeNotifier{}
	svc := newTestService(repo, &fakeRenderer{}, notifier, &fakeLinkBuilder{})

	_, err := svc.SendNotification(context.Background(), bill.ID)
	require.ErrorIs(t, err, ErrPrerequisite)
	require.Zero(t, notifier.calls)

	_, err = svc.GeneratePDF(context.Background(), bill.ID)
	require.NoError(t, err)

	updated, err := svc.SendNotification(context.Background(), bill.ID)
	require.NoError(t, err)
	require.True(t, updated.Notified)
	require.Equal(t, 1, notifier.calls)

	// Re-sending is a no-op success.
	_, err = svc.SendNotification(context.Background(), bill.ID)
	require.NoError(t, err)
	require.Equal(t, 1, notifier.calls)
}

func TestPaymentLinkIndependentOfNotification(t *testing.T) {
	repo := newMemoryBillRepo()
	bill := repo.add("326.71", "108.90", "217.81", time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC))
	svc := newTestService(repo, &fakeRenderer{}, &fakeNotifier{}, &fakeLinkBuilder{})

	// Payment link first, notification later.
	req, err := svc.CreatePaymentRequest(context.Background(), bill.ID)
	require.NoError(t, err)
	require.Contains(t, req.DeepLink, "108.90")
	require.True(t, req.Bill.PaymentLinkGenerated)
	require.False(t, req.Bill.Notified)

	_, err = svc.GeneratePDF(context.Background(), bill.ID)
	require.NoError(t, err)
	updated, err := svc.SendNotification(context.Background(), bill.ID)
	require.NoError(t, err)
	require.True(t, updated.Notified)
	require.True(t, updated.PaymentLinkGenerated)
}

func TestPaymentRequestIdempotent(t *testing.T) {
	repo := newMemoryBillRepo()
	bill := repo.add("100.00", "33.33", "66.67", time.Now())
	svc := newTestService(repo, &fakeRenderer{}, &fakeNotifier{}, &fakeLinkBuilder{})

	first, err := svc.CreatePaymentRequest(context.Background(), bill.ID)
	require.NoError(t, err)
	second, err := svc.CreatePaymentRequest(context.Background(), bill.ID)
	require.NoError(t, err)
	require.Equal(t, first.DeepLink, second.DeepLink)
}

func TestMarkCompletedIsManualGate(t *testing.T) {
	repo := newMemoryBillRepo()
	bill := repo.add("100.00", "33.33", "66.67", time.Now())
	svc := newTestService(repo, &fakeRenderer{}, &fakeNotifier{}, &fakeLinkBuilder{})

	updated, err := svc.MarkCompleted(context.Background(), bill.ID, "paid via venmo")
	require.NoError(t, err)
	require.True(t, updated.Completed)
	require.Equal(t, "paid via venmo", updated.Notes)

	// Completed bills reject new stage transitions.
	_, err = svc.GeneratePDF(context.Background(), bill.ID)
	require.Error(t, err)
}

func TestStageMonotonicity(t *testing.T) {
	repo := newMemoryBillRepo()
	bill := repo.add("100.00", "33.33", "66.67", time.Now())
	svc := newTestService(repo, &fakeRenderer{}, &fakeNotifier{}, &fakeLinkBuilder{})

	_, err := svc.GeneratePDF(context.Background(), bill.ID)
	require.NoError(t, err)
	_, err = svc.SendNotification(context.Background(), bill.ID)
	require.NoError(t, err)
	_, err = svc.CreatePaymentRequest(context.Background(), bill.ID)
	require.NoError(t, err)

	// Re-invoking every stage leaves all flags set.
	_, err = svc.GeneratePDF(context.Background(), bill.ID)
	require.NoError(t, err)
	_, err = svc.SendNotification(context.Background(), bill.ID)
	require.NoError(t, err)
	_, err = svc.CreatePaymentRequest(context.Background(), bill.ID)
	require.NoError(t, err)

	stored, _ := repo.Get(context.Background(), bill.ID)
	require.True(t, stored.PDFGenerated)
	require.True(t, stored.Notified)
	require.True(t, stored.PaymentLinkGenerated)
	require.Equal(t, StageCompleted, stored.NextAction())
}

func TestDisabledExecutors(t *testing.T) {
	repo := newMemoryBillRepo()
	bill := repo.add("100.00", "33.33", "66.67", time.Now())
	svc := NewService(repo, &fakeRenderer{}, &fakeNotifier{}, &fakeLinkBuilder{}, Options{}, slog.New(slog.DiscardHandler))

	_, err := svc.GeneratePDF(context.Background(), bill.ID)
	require.ErrorIs(t, err, ErrActionDisabled)
	_, err = svc.SendNotification(context.Background(), bill.ID)
	require.ErrorIs(t, err, ErrActionDisabled)
	_, err = svc.CreatePaymentRequest(context.Background(), bill.ID)
	require.ErrorIs(t, err, ErrActionDisabled)
}

func TestUnknownBill(t *testing.T) {
	repo := newMemoryBillRepo()
	svc := newTestService(repo, &fakeRenderer{}, &fakeNotifier{}, &fakeLinkBuilder{})

	_, err := svc.GeneratePDF(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
}
