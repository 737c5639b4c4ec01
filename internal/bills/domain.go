// Package bills implements the bill record store and the action
// tracker that drives a bill through its processing stages.
package bills

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stage is one step in a bill's processing lifecycle.
type Stage string

const (
	StageIngested         Stage = "ingested"
	StagePDFReady         Stage = "pdf_ready"
	StageNotified         Stage = "notified"
	StagePaymentRequested Stage = "payment_requested"
	StageCompleted        Stage = "completed"
)

// StageOrder is the canonical progression. Stages may be invoked out
// of order by an operator (only notification hard-requires the PDF);
// the order here drives the recommended-next-action query.
var StageOrder = []Stage{
	StagePDFReady,
	StageNotified,
	StagePaymentRequested,
	StageCompleted,
}

// Processing log actions.
const (
	ActionBillAdded         = "bill_added"
	ActionDuplicateDetected = "duplicate_detected"
	ActionPDFGenerated      = "pdf_generated"
	ActionNotificationSent  = "notification_sent"
	ActionPaymentRequested  = "payment_request_created"
	ActionBillCompleted     = "bill_completed"
)

// Processing log outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Bill is one instance of the recurring charge, identified by the
// (amount, due date) pair. The portions are computed once at ingestion
// and never recomputed.
type Bill struct {
	ID              int64
	Amount          decimal.Decimal
	DueDate         time.Time
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
	OtherPortion    decimal.Decimal
	SelfPortion     decimal.Decimal
	EmailID         string
	EmailSubject    string
	EmailReceivedAt time.Time

	PDFGenerated         bool
	PDFPath              string
	Notified             bool
	NotifiedAt           *time.Time
	PaymentLinkGenerated bool
	PaymentLink          string
	Completed            bool
	CompletedAt          *time.Time

	Notes     string
	CreatedAt time.Time
}

// StageDone reports whether the given stage flag is set.
func (b *Bill) StageDone(stage Stage) bool {
	switch stage {
	case StageIngested:
		return b.ID != 0
	case StagePDFReady:
		return b.PDFGenerated
	case StageNotified:
		return b.Notified
	case StagePaymentRequested:
		return b.PaymentLinkGenerated
	case StageCompleted:
		return b.Completed
	}
	return false
}

// NextAction returns the first unset stage in canonical order, or ""
// when every stage is done.
func (b *Bill) NextAction() Stage {
	for _, stage := range StageOrder {
		if !b.StageDone(stage) {
			return stage
		}
	}
	return ""
}

// Pending reports whether any stage is still outstanding.
func (b *Bill) Pending() bool {
	return b.NextAction() != ""
}

// PeriodLabel renders the billing period for notes and documents.
func (b *Bill) PeriodLabel() string {
	if b.PeriodStart != nil && b.PeriodEnd != nil {
		return b.PeriodStart.Format("01/02/2006") + " - " + b.PeriodEnd.Format("01/02/2006")
	}
	return b.DueDate.Format("January 2006")
}

// LogEntry is one append-only processing log row.
type LogEntry struct {
	ID        int64
	BillID    int64
	Action    string
	Outcome   string
	Details   string
	CreatedAt time.Time
}

// InsertBillInput carries everything the store needs to create a bill.
type InsertBillInput struct {
	Amount          decimal.Decimal
	DueDate         time.Time
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
	OtherPortion    decimal.Decimal
	SelfPortion     decimal.Decimal
	EmailID         string
	EmailSubject    string
	EmailReceivedAt time.Time
	Notes           string
}

// Stats summarises store contents for the operator dashboard.
type Stats struct {
	TotalBills         int64
	PendingBills       int64
	CompletedBills     int64
	PDFsGenerated      int64
	NotificationsSent  int64
	PaymentRequests    int64
	DuplicatesDetected int64
	TotalAmount        decimal.Decimal
	TotalOtherPortion  decimal.Decimal
	TotalSelfPortion   decimal.Decimal
}
