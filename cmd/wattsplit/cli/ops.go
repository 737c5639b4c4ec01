package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wattsplit/wattsplit/internal/bills"
	"github.com/wattsplit/wattsplit/internal/ingest"
	"github.com/wattsplit/wattsplit/internal/money"
)

// BillService exposes the bill operations the CLI needs.
type BillService interface {
	Pending(ctx context.Context) ([]bills.Bill, error)
	MarkCompleted(ctx context.Context, id int64, notes string) (*bills.Bill, error)
	Stats(ctx context.Context) (*bills.Stats, error)
}

// IngestRunner executes a mailbox ingestion run.
type IngestRunner interface {
	Run(ctx context.Context, daysBack int) (*ingest.Result, error)
}

// OpsCLI bundles operational helpers for bills and ingestion runs.
type OpsCLI struct {
	bills  BillService
	runner IngestRunner
}

// NewOpsCLI constructs the CLI helpers.
func NewOpsCLI(billService BillService, runner IngestRunner) *OpsCLI {
	return &OpsCLI{bills: billService, runner: runner}
}

// IngestOptions configures a manual ingestion run.
type IngestOptions struct {
	DaysBack   int
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// IngestCommand runs the pipeline once and reports the outcome.
func (c *OpsCLI) IngestCommand(ctx context.Context, opts IngestOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.DaysBack < 0 {
		fmt.Fprintln(opts.Stderr, "ingest: --days-back must not be negative")
		return 1
	}

	result, err := c.runner.Run(ctx, opts.DaysBack)
	if errors.Is(err, ingest.ErrRunInProgress) {
		fmt.Fprintln(opts.Stderr, "ingest: another run is in progress")
		return 10
	}
	if err != nil {
		fmt.Fprintf(opts.Stderr, "ingest: %v\n", err)
		return 1
	}

	if opts.JSONOutput {
		if err := writeJSON(opts.Stdout, result); err != nil {
			fmt.Fprintf(opts.Stderr, "ingest: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(opts.Stdout, "created %d bill(s), skipped %d duplicate(s), %d extraction failure(s)\n",
		len(result.Created), result.DuplicatesSkipped, result.ExtractionFailures)
	for _, id := range result.Created {
		fmt.Fprintf(opts.Stdout, "  bill %d\n", id)
	}
	return 0
}

// PendingOptions configures the pending listing.
type PendingOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// PendingCommand lists bills with outstanding actions.
func (c *OpsCLI) PendingCommand(ctx context.Context, opts PendingOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	items, err := c.bills.Pending(ctx)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "pending: %v\n", err)
		return 1
	}

	if opts.JSONOutput {
		if err := writeJSON(opts.Stdout, billSummaries(items)); err != nil {
			fmt.Fprintf(opts.Stderr, "pending: %v\n", err)
			return 1
		}
		return 0
	}
	if len(items) == 0 {
		fmt.Fprintln(opts.Stdout, "no pending bills")
		return 0
	}
	for i := range items {
		b := &items[i]
		fmt.Fprintf(opts.Stdout, "bill %d  %s  due %s  next: %s\n",
			b.ID, money.FormatUSD(b.Amount), b.DueDate.Format("2006-01-02"), b.NextAction())
	}
	return 0
}

// CompleteOptions configures manual bill completion.
type CompleteOptions struct {
	BillID     int64
	Notes      string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// CompleteCommand marks a bill as completed.
func (c *OpsCLI) CompleteCommand(ctx context.Context, opts CompleteOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.BillID <= 0 {
		fmt.Fprintln(opts.Stderr, "complete: a positive bill id is required")
		return 1
	}

	bill, err := c.bills.MarkCompleted(ctx, opts.BillID, strings.TrimSpace(opts.Notes))
	if errors.Is(err, bills.ErrNotFound) {
		fmt.Fprintf(opts.Stderr, "complete: bill %d not found\n", opts.BillID)
		return 1
	}
	if err != nil {
		fmt.Fprintf(opts.Stderr, "complete: %v\n", err)
		return 1
	}

	if opts.JSONOutput {
		if err := writeJSON(opts.Stdout, billSummary(bill)); err != nil {
			fmt.Fprintf(opts.Stderr, "complete: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(opts.Stdout, "bill %d completed (%s due %s)\n",
		bill.ID, money.FormatUSD(bill.Amount), bill.DueDate.Format("2006-01-02"))
	return 0
}

// StatsOptions configures the stats report.
type StatsOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// StatsCommand prints aggregate totals.
func (c *OpsCLI) StatsCommand(ctx context.Context, opts StatsOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	stats, err := c.bills.Stats(ctx)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "stats: %v\n", err)
		return 1
	}

	if opts.JSONOutput {
		if err := writeJSON(opts.Stdout, statsSummary(stats)); err != nil {
			fmt.Fprintf(opts.Stderr, "stats: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(opts.Stdout, "bills: %d total, %d pending, %d completed\n",
		stats.TotalBills, stats.PendingBills, stats.CompletedBills)
	fmt.Fprintf(opts.Stdout, "actions: %d pdf(s), %d notification(s), %d payment request(s)\n",
		stats.PDFsGenerated, stats.NotificationsSent, stats.PaymentRequests)
	fmt.Fprintf(opts.Stdout, "duplicates detected: %d\n", stats.DuplicatesDetected)
	fmt.Fprintf(opts.Stdout, "amounts: %s total, %s their share, %s ours\n",
		money.FormatUSD(stats.TotalAmount), money.FormatUSD(stats.TotalOtherPortion), money.FormatUSD(stats.TotalSelfPortion))
	return 0
}

// BillSummary is the JSON shape the CLI emits for a bill.
type BillSummary struct {
	ID           int64  `json:"id"`
	Amount       string `json:"amount"`
	DueDate      string `json:"due_date"`
	OtherPortion string `json:"other_portion"`
	SelfPortion  string `json:"self_portion"`
	NextAction   string `json:"next_action,omitempty"`
	Completed    bool   `json:"completed"`
}

// StatsSummary is the JSON shape the CLI emits for totals.
type StatsSummary struct {
	TotalBills         int64  `json:"total_bills"`
	PendingBills       int64  `json:"pending_bills"`
	CompletedBills     int64  `json:"completed_bills"`
	PDFsGenerated      int64  `json:"pdfs_generated"`
	NotificationsSent  int64  `json:"notifications_sent"`
	PaymentRequests    int64  `json:"payment_requests"`
	DuplicatesDetected int64  `json:"duplicates_detected"`
	TotalAmount        string `json:"total_amount"`
	TotalOtherPortion  string `json:"total_other_portion"`
	TotalSelfPortion   string `json:"total_self_portion"`
}

func billSummary(b *bills.Bill) BillSummary {
	return BillSummary{
		ID:           b.ID,
		Amount:       b.Amount.StringFixed(2),
		DueDate:      b.DueDate.Format("2006-01-02"),
		OtherPortion: b.OtherPortion.StringFixed(2),
		SelfPortion:  b.SelfPortion.StringFixed(2),
		NextAction:   string(b.NextAction()),
		Completed:    b.Completed,
	}
}

func billSummaries(items []bills.Bill) []BillSummary {
	out := make([]BillSummary, 0, len(items))
	for i := range items {
		out = append(out, billSummary(&items[i]))
	}
	return out
}

func statsSummary(s *bills.Stats) StatsSummary {
	return StatsSummary{
		TotalBills:         s.TotalBills,
		PendingBills:       s.PendingBills,
		CompletedBills:     s.CompletedBills,
		PDFsGenerated:      s.PDFsGenerated,
		NotificationsSent:  s.NotificationsSent,
		PaymentRequests:    s.PaymentRequests,
		DuplicatesDetected: s.DuplicatesDetected,
		TotalAmount:        s.TotalAmount.StringFixed(2),
		TotalOtherPortion:  s.TotalOtherPortion.StringFixed(2),
		TotalSelfPortion:   s.TotalSelfPortion.StringFixed(2),
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
