package bills

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wattsplit/wattsplit/internal/platform/httpx"
)

// Handler exposes the operator JSON API for bills.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers bill routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listRecent)
	r.Get("/pending", h.listPending)
	r.Get("/{id}", h.getBill)
	r.Get("/{id}/log", h.getLog)
	r.Post("/{id}/pdf", h.generatePDF)
	r.Post("/{id}/notify", h.sendNotification)
	r.Post("/{id}/payment-request", h.createPaymentRequest)
	r.Post("/{id}/complete", h.markCompleted)
}

// billResponse is the wire shape of a bill. Amounts travel as fixed
// two-decimal strings.
type billResponse struct {
	ID              int64      `json:"id"`
	Amount          string     `json:"amount"`
	DueDate         string     `json:"due_date"`
	PeriodLabel     string     `json:"period_label"`
	OtherPortion    string     `json:"other_portion"`
	SelfPortion     string     `json:"self_portion"`
	EmailID         string     `json:"email_id"`
	EmailSubject    string     `json:"email_subject,omitempty"`
	PDFGenerated    bool       `json:"pdf_generated"`
	PDFPath         string     `json:"pdf_path,omitempty"`
	Notified        bool       `json:"notified"`
	NotifiedAt      *time.Time `json:"notified_at,omitempty"`
	PaymentLink     string     `json:"payment_link,omitempty"`
	PaymentRequested bool      `json:"payment_requested"`
	Completed       bool       `json:"completed"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	NextAction      string     `json:"next_action,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toBillResponse(b *Bill) billResponse {
	return billResponse{
		ID:               b.ID,
		Amount:           b.Amount.StringFixed(2),
		DueDate:          b.DueDate.Format("2006-01-02"),
		PeriodLabel:      b.PeriodLabel(),
		OtherPortion:     b.OtherPortion.StringFixed(2),
		SelfPortion:      b.SelfPortion.StringFixed(2),
		EmailID:          b.EmailID,
		EmailSubject:     b.EmailSubject,
		PDFGenerated:     b.PDFGenerated,
		PDFPath:          b.PDFPath,
		Notified:         b.Notified,
		NotifiedAt:       b.NotifiedAt,
		PaymentLink:      b.PaymentLink,
		PaymentRequested: b.PaymentLinkGenerated,
		Completed:        b.Completed,
		CompletedAt:      b.CompletedAt,
		NextAction:       string(b.NextAction()),
		CreatedAt:        b.CreatedAt,
	}
}

func (h *Handler) listRecent(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.service.Recent(r.Context(), limit)
	if err != nil {
		h.respondError(w, "list bills", err)
		return
	}
	httpx.JSON(w, http.StatusOK, billListResponse(items))
}

func (h *Handler) listPending(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.Pending(r.Context())
	if err != nil {
		h.respondError(w, "list pending", err)
		return
	}
	httpx.JSON(w, http.StatusOK, billListResponse(items))
}

func billListResponse(items []Bill) []billResponse {
	out := make([]billResponse, 0, len(items))
	for i := range items {
		out = append(out, toBillResponse(&items[i]))
	}
	return out
}

func (h *Handler) getBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	bill, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get bill", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBillResponse(bill))
}

type logEntryResponse struct {
	ID        int64     `json:"id"`
	BillID    int64     `json:"bill_id"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.service.Log(r.Context(), id, limit)
	if err != nil {
		h.respondError(w, "get log", err)
		return
	}
	out := make([]logEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, logEntryResponse{
			ID: e.ID, BillID: e.BillID, Action: e.Action,
			Outcome: e.Outcome, Details: e.Details, CreatedAt: e.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) generatePDF(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	bill, err := h.service.GeneratePDF(r.Context(), id)
	if err != nil {
		h.respondError(w, "generate pdf", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBillResponse(bill))
}

func (h *Handler) sendNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	bill, err := h.service.SendNotification(r.Context(), id)
	if err != nil {
		h.respondError(w, "send notification", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBillResponse(bill))
}

type paymentRequestResponse struct {
	Bill     billResponse `json:"bill"`
	DeepLink string       `json:"deep_link"`
	WebLink  string       `json:"web_link"`
	OpenHint bool         `json:"open_hint"`
}

func (h *Handler) createPaymentRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	req, err := h.service.CreatePaymentRequest(r.Context(), id)
	if err != nil {
		h.respondError(w, "create payment request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, paymentRequestResponse{
		Bill:     toBillResponse(req.Bill),
		DeepLink: req.DeepLink,
		WebLink:  req.WebLink,
		OpenHint: req.OpenHint,
	})
}

type completeRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) markCompleted(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	var body completeRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return
		}
	}
	bill, err := h.service.MarkCompleted(r.Context(), id, body.Notes)
	if err != nil {
		h.respondError(w, "mark completed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBillResponse(bill))
}

type statsResponse struct {
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

// Stats serves aggregate totals. Mounted outside the bills subtree.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.respondError(w, "stats", err)
		return
	}
	httpx.JSON(w, http.StatusOK, statsResponse{
		TotalBills:         stats.TotalBills,
		PendingBills:       stats.PendingBills,
		CompletedBills:     stats.CompletedBills,
		PDFsGenerated:      stats.PDFsGenerated,
		NotificationsSent:  stats.NotificationsSent,
		PaymentRequests:    stats.PaymentRequests,
		DuplicatesDetected: stats.DuplicatesDetected,
		TotalAmount:        stats.TotalAmount.StringFixed(2),
		TotalOtherPortion:  stats.TotalOtherPortion.StringFixed(2),
		TotalSelfPortion:   stats.TotalSelfPortion.StringFixed(2),
	})
}

func (h *Handler) billID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid bill id", httpx.ErrValidation))
		return 0, false
	}
	return id, true
}

// respondError translates bill errors into the shared HTTP mapping.
func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, ErrPrerequisite):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrPrerequisite, err))
	case errors.Is(err, ErrCompleted), errors.Is(err, ErrDuplicate):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrDuplicate, err))
	case errors.Is(err, ErrActionDisabled):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
