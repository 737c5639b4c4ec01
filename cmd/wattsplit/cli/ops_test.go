package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wattsplit/wattsplit/internal/bills"
	"github.com/wattsplit/wattsplit/internal/ingest"
)

type stubBillService struct {
	pending   []bills.Bill
	completed map[int64]*bills.Bill
	stats     *bills.Stats
	err       error
}

func (s *stubBillService) Pending(ctx context.Context) ([]bills.Bill, error) {
	return s.pending, s.err
}

func (s *stubBillService) MarkCompleted(ctx context.Context, id int64, notes string) (*bills.Bill, error) {
	if s.err != nil {
		return nil, s.err
	}
	bill, ok := s.completed[id]
	if !ok {
		return nil, bills.ErrNotFound
	}
	return bill, nil
}

func (s *stubBillService) Stats(ctx context.Context) (*bills.Stats, error) {
	return s.stats, s.err
}

type stubRunner struct {
	result *ingest.Result
	err    error
}

func (s *stubRunner) Run(ctx context.Context, daysBack int) (*ingest.Result, error) {
	return s.result, s.err
}

func sampleBill(id int64) bills.Bill {
	return bills.Bill{
		ID:           id,
		Amount:       decimal.RequireFromString("326.71"),
		DueDate:      time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC),
		OtherPortion: decimal.RequireFromString("108.90"),
		SelfPortion:  decimal.RequireFromString("217.81"),
	}
}

func TestIngestCommandJSONSuccess(t *testing.T) {
	cli := NewOpsCLI(&stubBillService{}, &stubRunner{
		result: &ingest.Result{Created: []int64{1, 2}, DuplicatesSkipped: 1},
	})

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := cli.IngestCommand(context.Background(), IngestOptions{
		DaysBack:   30,
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})

	require.Equal(t, 0, exitCode)
	require.Empty(t, stderr.String())

	var result ingest.Result
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
	require.Equal(t, []int64{1, 2}, result.Created)
	require.Equal(t, 1, result.DuplicatesSkipped)
}

func TestIngestCommandLockHeld(t *testing.T) {
	cli := NewOpsCLI(&stubBillService{}, &stubRunner{err: ingest.ErrRunInProgress})

	stderr := new(bytes.Buffer)
	exitCode := cli.IngestCommand(context.Background(), IngestOptions{
		Stdout: new(bytes.Buffer),
		Stderr: stderr,
	})

	require.Equal(t, 10, exitCode)
	require.Contains(t, stderr.String(), "another run is in progress")
}

func TestPendingCommandListsNextActions(t *testing.T) {
	bill := sampleBill(7)
	cli := NewOpsCLI(&stubBillService{pending: []bills.Bill{bill}}, &stubRunner{})

	stdout := new(bytes.Buffer)
	exitCode := cli.PendingCommand(context.Background(), PendingOptions{
		Stdout: stdout,
		Stderr: new(bytes.Buffer),
	})

	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "bill 7")
	require.Contains(t, stdout.String(), "$326.71")
	require.Contains(t, stdout.String(), "next: pdf_ready")
}

func TestCompleteCommandNotFound(t *testing.T) {
	cli := NewOpsCLI(&stubBillService{completed: map[int64]*bills.Bill{}}, &stubRunner{})

	stderr := new(bytes.Buffer)
	exitCode := cli.CompleteCommand(context.Background(), CompleteOptions{
		BillID: 42,
		Stdout: new(bytes.Buffer),
		Stderr: stderr,
	})

	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "bill 42 not found")
}

func TestCompleteCommandJSON(t *testing.T) {
	bill := sampleBill(3)
	bill.Completed = true
	cli := NewOpsCLI(&stubBillService{completed: map[int64]*bills.Bill{3: &bill}}, &stubRunner{})

	stdout := new(bytes.Buffer)
	exitCode := cli.CompleteCommand(context.Background(), CompleteOptions{
		BillID:     3,
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     new(bytes.Buffer),
	})

	require.Equal(t, 0, exitCode)

	var summary BillSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, int64(3), summary.ID)
	require.True(t, summary.Completed)
	require.Equal(t, "326.71", summary.Amount)
}

func TestStatsCommandReportsTotals(t *testing.T) {
	cli := NewOpsCLI(&stubBillService{stats: &bills.Stats{
		TotalBills:         4,
		PendingBills:       1,
		CompletedBills:     3,
		PDFsGenerated:      4,
		NotificationsSent:  3,
		PaymentRequests:    3,
		DuplicatesDetected: 2,
		TotalAmount:        decimal.RequireFromString("1200.40"),
		TotalOtherPortion:  decimal.RequireFromString("400.10"),
		TotalSelfPortion:   decimal.RequireFromString("800.30"),
	}}, &stubRunner{})

	stdout := new(bytes.Buffer)
	exitCode := cli.StatsCommand(context.Background(), StatsOptions{
		Stdout: stdout,
		Stderr: new(bytes.Buffer),
	})

	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "4 total, 1 pending, 3 completed")
	require.Contains(t, stdout.String(), "duplicates detected: 2")
	require.Contains(t, stdout.String(), "$1,200.40")
}

func TestStatsCommandError(t *testing.T) {
	cli := NewOpsCLI(&stubBillService{err: errors.New("pool closed")}, &stubRunner{})

	stderr := new(bytes.Buffer)
	exitCode := cli.StatsCommand(context.Background(), StatsOptions{
		Stdout: new(bytes.Buffer),
		Stderr: stderr,
	})

	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "pool closed")
}
