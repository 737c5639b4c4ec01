package bills

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/wattsplit/wattsplit/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for bills and the
// processing log. It is the only component that touches the tables;
// everything else goes through its methods.
type Repository struct {
	pool db.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Migrate creates the schema when missing. The unique constraint on
// (amount, due_date) is the natural duplicate key and backs the
// insert-or-detect guarantee under concurrent ingestion.
func (r *Repository) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS bills (
			id BIGSERIAL PRIMARY KEY,
			amount NUMERIC(10,2) NOT NULL,
			due_date DATE NOT NULL,
			period_start DATE,
			period_end DATE,
			other_portion NUMERIC(10,2) NOT NULL,
			self_portion NUMERIC(10,2) NOT NULL,
			email_id TEXT NOT NULL,
			email_subject TEXT NOT NULL DEFAULT '',
			email_received_at TIMESTAMPTZ,
			pdf_generated BOOLEAN NOT NULL DEFAULT FALSE,
			pdf_path TEXT NOT NULL DEFAULT '',
			notified BOOLEAN NOT NULL DEFAULT FALSE,
			notified_at TIMESTAMPTZ,
			payment_link_generated BOOLEAN NOT NULL DEFAULT FALSE,
			payment_link TEXT NOT NULL DEFAULT '',
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			completed_at TIMESTAMPTZ,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_bills_amount_due UNIQUE (amount, due_date)
		)`,
		`CREATE TABLE IF NOT EXISTS processing_log (
			id BIGSERIAL PRIMARY KEY,
			bill_id BIGINT REFERENCES bills(id),
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bills: migrate: %w", err)
		}
	}
	return nil
}

const billColumns = `id, amount, due_date, period_start, period_end,
	other_portion, self_portion, email_id, email_subject, email_received_at,
	pdf_generated, pdf_path, notified, notified_at,
	payment_link_generated, payment_link, completed, completed_at,
	notes, created_at`

// Insert creates a new bill, or reports ErrDuplicate when a bill with
// the same (amount, due date) already exists. The duplicate check and
// the insert are one statement backed by the unique constraint, so two
// overlapping ingestion runs can never create two records. A
// bill_added row commits with the insert; a duplicate sighting commits
// a duplicate_detected row against the original bill instead, so the
// transaction must succeed in both cases and ErrDuplicate is only
// surfaced after the commit.
func (r *Repository) Insert(ctx context.Context, input InsertBillInput) (*Bill, error) {
	var bill *Bill
	var duplicate error
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO bills (
				amount, due_date, period_start, period_end,
				other_portion, self_portion,
				email_id, email_subject, email_received_at, notes
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT ON CONSTRAINT uq_bills_amount_due DO NOTHING
			RETURNING id, created_at`

		var id int64
		var createdAt time.Time
		err := tx.QueryRow(ctx, query,
			input.Amount.StringFixed(2),
			input.DueDate,
			datePtr(input.PeriodStart),
			datePtr(input.PeriodEnd),
			input.OtherPortion.StringFixed(2),
			input.SelfPortion.StringFixed(2),
			input.EmailID,
			input.EmailSubject,
			timestampPtr(input.EmailReceivedAt),
			input.Notes,
		).Scan(&id, &createdAt)

		if errors.Is(err, pgx.ErrNoRows) {
			duplicate, err = r.recordDuplicate(ctx, tx, input)
			return err
		}
		if err != nil {
			return fmt.Errorf("bills: insert: %w", err)
		}

		if err := appendLogTx(ctx, tx, id, ActionBillAdded, OutcomeOK,
			fmt.Sprintf("new bill %s due %s", input.Amount.StringFixed(2), input.DueDate.Format("2006-01-02"))); err != nil {
			return err
		}

		bill = &Bill{
			ID:              id,
			Amount:          input.Amount,
			DueDate:         input.DueDate,
			PeriodStart:     input.PeriodStart,
			PeriodEnd:       input.PeriodEnd,
			OtherPortion:    input.OtherPortion,
			SelfPortion:     input.SelfPortion,
			EmailID:         input.EmailID,
			EmailSubject:    input.EmailSubject,
			EmailReceivedAt: input.EmailReceivedAt,
			Notes:           input.Notes,
			CreatedAt:       createdAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if duplicate != nil {
		return nil, duplicate
	}
	return bill, nil
}

// recordDuplicate logs the re-sighting against the original bill. The
// dup result carries ErrDuplicate for the caller to report once the
// transaction has committed; returning it as the transaction error
// would roll the log row back with it. Failure to find the original
// means the conflicting row vanished between statements; surfaced
// as-is.
func (r *Repository) recordDuplicate(ctx context.Context, tx pgx.Tx, input InsertBillInput) (dup error, err error) {
	var originalID int64
	var originalEmail string
	err = tx.QueryRow(ctx,
		`SELECT id, email_id FROM bills WHERE amount = $1 AND due_date = $2`,
		input.Amount.StringFixed(2), input.DueDate,
	).Scan(&originalID, &originalEmail)
	if err != nil {
		return nil, fmt.Errorf("bills: locate duplicate original: %w", err)
	}

	details := fmt.Sprintf("duplicate of bill %d (original email %s, new email %s)",
		originalID, originalEmail, input.EmailID)
	if err := appendLogTx(ctx, tx, originalID, ActionDuplicateDetected, OutcomeOK, details); err != nil {
		return nil, err
	}
	return fmt.Errorf("%w: %s due %s", ErrDuplicate,
		input.Amount.StringFixed(2), input.DueDate.Format("2006-01-02")), nil
}

// Get retrieves a bill by id.
func (r *Repository) Get(ctx context.Context, id int64) (*Bill, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+billColumns+` FROM bills WHERE id = $1`, id)
	bill, err := scanBill(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return bill, err
}

// FindDuplicate looks up a bill by its natural key.
func (r *Repository) FindDuplicate(ctx context.Context, amount decimal.Decimal, dueDate time.Time) (*Bill, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+billColumns+` FROM bills WHERE amount = $1 AND due_date = $2`,
		amount.StringFixed(2), dueDate)
	bill, err := scanBill(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return bill, err
}

// MarkStage flips one stage flag to true and stores the produced
// artifact reference. Re-marking an already-set stage is a no-op that
// returns the prior state with applied=false. The flag update and its
// log row commit together; completed bills reject further stages.
func (r *Repository) MarkStage(ctx context.Context, id int64, stage Stage, artifactRef string) (*Bill, bool, error) {
	var bill *Bill
	applied := false

	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+billColumns+` FROM bills WHERE id = $1 FOR UPDATE`, id)
		current, err := scanBill(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if current.StageDone(stage) {
			bill = current
			return nil
		}
		if current.Completed {
			return ErrCompleted
		}

		now := time.Now().UTC()
		var action string
		switch stage {
		case StagePDFReady:
			action = ActionPDFGenerated
			_, err = tx.Exec(ctx,
				`UPDATE bills SET pdf_generated = TRUE, pdf_path = $2 WHERE id = $1`,
				id, artifactRef)
			current.PDFGenerated = true
			current.PDFPath = artifactRef
		case StageNotified:
			action = ActionNotificationSent
			_, err = tx.Exec(ctx,
				`UPDATE bills SET notified = TRUE, notified_at = $2 WHERE id = $1`,
				id, now)
			current.Notified = true
			current.NotifiedAt = &now
		case StagePaymentRequested:
			action = ActionPaymentRequested
			_, err = tx.Exec(ctx,
				`UPDATE bills SET payment_link_generated = TRUE, payment_link = $2 WHERE id = $1`,
				id, artifactRef)
			current.PaymentLinkGenerated = true
			current.PaymentLink = artifactRef
		case StageCompleted:
			action = ActionBillCompleted
			_, err = tx.Exec(ctx,
				`UPDATE bills SET completed = TRUE, completed_at = $2,
					notes = CASE WHEN $3 <> '' THEN $3 ELSE notes END
				 WHERE id = $1`,
				id, now, artifactRef)
			current.Completed = true
			current.CompletedAt = &now
			if artifactRef != "" {
				current.Notes = artifactRef
			}
		default:
			return fmt.Errorf("bills: stage %q cannot be marked", stage)
		}
		if err != nil {
			return fmt.Errorf("bills: update stage %s: %w", stage, err)
		}

		if err := appendLogTx(ctx, tx, id, action, OutcomeOK, artifactRef); err != nil {
			return err
		}

		bill = current
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return bill, applied, nil
}

// ListPending returns bills with at least one outstanding stage,
// oldest first so the operator works the backlog in arrival order.
func (r *Repository) ListPending(ctx context.Context) ([]Bill, error) {
	query := `SELECT ` + billColumns + ` FROM bills
		WHERE NOT (pdf_generated AND notified AND payment_link_generated AND completed)
		ORDER BY created_at ASC`
	return r.queryBills(ctx, query)
}

// List returns the most recent bills.
func (r *Repository) List(ctx context.Context, limit int) ([]Bill, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + billColumns + ` FROM bills ORDER BY created_at DESC LIMIT $1`
	return r.queryBills(ctx, query, limit)
}

func (r *Repository) queryBills(ctx context.Context, query string, args ...any) ([]Bill, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("bills: list: %w", err)
	}
	defer rows.Close()

	var out []Bill
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *bill)
	}
	return out, rows.Err()
}

// AppendLog records a standalone processing-log entry, used for
// executor failures that change no bill state.
func (r *Repository) AppendLog(ctx context.Context, billID int64, action, outcome, details string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO processing_log (bill_id, action, outcome, details) VALUES ($1, $2, $3, $4)`,
		billID, action, outcome, details)
	if err != nil {
		return fmt.Errorf("bills: append log: %w", err)
	}
	return nil
}

// ListLog returns processing log entries, newest first. billID zero
// means all bills.
func (r *Repository) ListLog(ctx context.Context, billID int64, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, bill_id, action, outcome, details, created_at
		FROM processing_log WHERE ($1 = 0 OR bill_id = $1)
		ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, billID, limit)
	if err != nil {
		return nil, fmt.Errorf("bills: list log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var entry LogEntry
		var bid pgtype.Int8
		if err := rows.Scan(&entry.ID, &bid, &entry.Action, &entry.Outcome, &entry.Details, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.BillID = bid.Int64
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Stats aggregates store contents.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	var total, other, self pgtype.Numeric
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE NOT (pdf_generated AND notified AND payment_link_generated AND completed)),
			COUNT(*) FILTER (WHERE completed),
			COUNT(*) FILTER (WHERE pdf_generated),
			COUNT(*) FILTER (WHERE notified),
			COUNT(*) FILTER (WHERE payment_link_generated),
			COALESCE(SUM(amount), 0),
			COALESCE(SUM(other_portion), 0),
			COALESCE(SUM(self_portion), 0)
		FROM bills`).Scan(
		&stats.TotalBills, &stats.PendingBills, &stats.CompletedBills,
		&stats.PDFsGenerated, &stats.NotificationsSent, &stats.PaymentRequests,
		&total, &other, &self,
	)
	if err != nil {
		return nil, fmt.Errorf("bills: stats: %w", err)
	}
	stats.TotalAmount = numericToDecimal(total)
	stats.TotalOtherPortion = numericToDecimal(other)
	stats.TotalSelfPortion = numericToDecimal(self)

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM processing_log WHERE action = $1`,
		ActionDuplicateDetected).Scan(&stats.DuplicatesDetected)
	if err != nil {
		return nil, fmt.Errorf("bills: stats log: %w", err)
	}
	return &stats, nil
}

func appendLogTx(ctx context.Context, tx pgx.Tx, billID int64, action, outcome, details string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO processing_log (bill_id, action, outcome, details) VALUES ($1, $2, $3, $4)`,
		billID, action, outcome, details)
	if err != nil {
		return fmt.Errorf("bills: append log: %w", err)
	}
	return nil
}

func scanBill(row pgx.Row) (*Bill, error) {
	var b Bill
	var amount, other, self pgtype.Numeric
	var periodStart, periodEnd pgtype.Date
	var receivedAt, notifiedAt, completedAt pgtype.Timestamptz

	err := row.Scan(
		&b.ID, &amount, &b.DueDate, &periodStart, &periodEnd,
		&other, &self, &b.EmailID, &b.EmailSubject, &receivedAt,
		&b.PDFGenerated, &b.PDFPath, &b.Notified, &notifiedAt,
		&b.PaymentLinkGenerated, &b.PaymentLink, &b.Completed, &completedAt,
		&b.Notes, &b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Amount = numericToDecimal(amount)
	b.OtherPortion = numericToDecimal(other)
	b.SelfPortion = numericToDecimal(self)
	if periodStart.Valid {
		t := periodStart.Time
		b.PeriodStart = &t
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		b.PeriodEnd = &t
	}
	if receivedAt.Valid {
		b.EmailReceivedAt = receivedAt.Time
	}
	if notifiedAt.Valid {
		t := notifiedAt.Time
		b.NotifiedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}
	return &b, nil
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func datePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timestampPtr(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
