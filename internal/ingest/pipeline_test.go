package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wattsplit/wattsplit/internal/bills"
	"github.com/wattsplit/wattsplit/internal/money"
)

type fakeSource struct {
	candidates []Candidate
	err        error
}

func (f *fakeSource) FetchCandidates(ctx context.Context, since time.Time) ([]Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

// memoryStore deduplicates on (amount, due date) like the real
// repository's unique constraint.
type memoryStore struct {
	byKey  map[string]*bills.Bill
	nextID int64
	err    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{byKey: make(map[string]*bills.Bill)}
}

func (s *memoryStore) Insert(ctx context.Context, input bills.InsertBillInput) (*bills.Bill, error) {
	if s.err != nil {
		return nil, s.err
	}
	key := input.Amount.StringFixed(2) + "|" + input.DueDate.Format("2006-01-02")
	if _, exists := s.byKey[key]; exists {
		return nil, bills.ErrDuplicate
	}
	s.nextID++
	bill := &bills.Bill{
		ID:           s.nextID,
		Amount:       input.Amount,
		DueDate:      input.DueDate,
		OtherPortion: input.OtherPortion,
		SelfPortion:  input.SelfPortion,
		EmailID:      input.EmailID,
		CreatedAt:    time.Now(),
	}
	s.byKey[key] = bill
	return bill, nil
}

func billEmail(amount, due string) string {
	return fmt.Sprintf("Amount Due: $%s\nDue Date: %s\n", amount, due)
}

func newTestPipeline(source Source, store Store) *Pipeline {
	ratio, _ := money.ParseRatio(0.333333)
	return NewPipeline(source, store, nil, nil, ratio, slog.New(slog.DiscardHandler))
}

func TestRunCreatesBills(t *testing.T) {
	source := &fakeSource{candidates: []Candidate{
		{ID: "msg-1", Subject: "Your Energy Statement", RawText: billEmail("326.71", "10/09/2024"), ReceivedAt: time.Now()},
		{ID: "msg-2", Subject: "Your Energy Statement", RawText: billEmail("288.15", "11/08/2024"), ReceivedAt: time.Now()},
	}}
	store := newMemoryStore()

	result, err := newTestPipeline(source, store).Run(context.Background(), 30)
	require.NoError(t, err)
	require.Len(t, result.Created, 2)
	require.Zero(t, result.DuplicatesSkipped)
	require.Zero(t, result.ExtractionFailures)

	bill := store.byKey["326.71|2024-10-09"]
	require.NotNil(t, bill)
	require.Equal(t, "108.90", bill.OtherPortion.StringFixed(2))
	require.Equal(t, "217.81", bill.SelfPortion.StringFixed(2))
	require.True(t, bill.OtherPortion.Add(bill.SelfPortion).Equal(bill.Amount))
}

func TestRunDedupIdempotence(t *testing.T) {
	source := &fakeSource{candidates: []Candidate{
		{ID: "msg-1", RawText: billEmail("326.71", "10/09/2024")},
	}}
	store := newMemoryStore()
	pipeline := newTestPipeline(source, store)

	first, err := pipeline.Run(context.Background(), 30)
	require.NoError(t, err)
	require.Len(t, first.Created, 1)

	// Same email again, even under a different message id.
	source.candidates[0].ID = "msg-1-resent"
	second, err := pipeline.Run(context.Background(), 30)
	require.NoError(t, err)
	require.Empty(t, second.Created)
	require.Equal(t, 1, second.DuplicatesSkipped)
	require.Len(t, store.byKey, 1)
}

func TestRunRejectsBadCandidates(t *testing.T) {
	source := &fakeSource{candidates: []Candidate{
		{ID: "no-amount", RawText: "Due Date: 10/09/2024"},
		{ID: "no-due-date", RawText: "Amount Due: $100.00"},
		{ID: "ok", RawText: billEmail("100.00", "10/09/2024")},
	}}
	store := newMemoryStore()

	result, err := newTestPipeline(source, store).Run(context.Background(), 30)
	require.NoError(t, err)
	require.Equal(t, 2, result.ExtractionFailures)
	require.Len(t, result.Created, 1)
}

func TestRunStoreFailureIsFatal(t *testing.T) {
	source := &fakeSource{candidates: []Candidate{
		{ID: "msg-1", RawText: billEmail("100.00", "10/09/2024")},
	}}
	store := newMemoryStore()
	store.err = fmt.Errorf("connection refused")

	_, err := newTestPipeline(source, store).Run(context.Background(), 30)
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")
}

func TestRunLockContention(t *testing.T) {
	source := &fakeSource{}
	store := newMemoryStore()
	ratio, _ := money.ParseRatio(0.333333)
	pipeline := NewPipeline(source, store, heldLock{}, nil, ratio, slog.New(slog.DiscardHandler))

	_, err := pipeline.Run(context.Background(), 30)
	require.ErrorIs(t, err, ErrRunInProgress)
}

type heldLock struct{}

func (heldLock) TryLock(ctx context.Context) (func(), bool, error) {
	return nil, false, nil
}
