// Package notify delivers bill summaries to the other party over
// SMTP with the PDF artifact attached.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/wattsplit/wattsplit/internal/bills"
	"github.com/wattsplit/wattsplit/internal/money"
)

// Mailer sends bill notifications. With Simulate set the message is
// built and logged but never dialed, so dry runs and tests produce no
// external side effects.
type Mailer struct {
	host      string
	port      int
	from      string
	to        string
	billLabel string
	simulate  bool
	logger    *slog.Logger
}

// Config collects mailer settings.
type Config struct {
	Host      string
	Port      int
	From      string
	To        string
	BillLabel string
	Simulate  bool
}

// NewMailer constructs a Mailer.
func NewMailer(cfg Config, logger *slog.Logger) *Mailer {
	if cfg.BillLabel == "" {
		cfg.BillLabel = "Utility"
	}
	return &Mailer{
		host:      cfg.Host,
		port:      cfg.Port,
		from:      cfg.From,
		to:        cfg.To,
		billLabel: cfg.BillLabel,
		simulate:  cfg.Simulate,
		logger:    logger,
	}
}

// Send implements bills.Notifier. The PDF artifact is mandatory; a
// missing file is a delivery failure, not a silent text-only send.
func (m *Mailer) Send(ctx context.Context, bill *bills.Bill, artifactPath string) (string, error) {
	attachment, err := os.ReadFile(artifactPath)
	if err != nil {
		return "", fmt.Errorf("notify: read attachment: %w", err)
	}

	deliveryID := uuid.NewString()
	msg, err := m.buildMessage(bill, filepath.Base(artifactPath), attachment, deliveryID)
	if err != nil {
		return "", err
	}

	if m.simulate {
		m.logger.Info("simulate mode: notification not sent",
			slog.Int64("bill_id", bill.ID),
			slog.String("to", m.to),
			slog.String("delivery_id", deliveryID))
		return "simulated-" + deliveryID, nil
	}

	if err := m.deliver(ctx, msg); err != nil {
		return "", fmt.Errorf("notify: deliver: %w", err)
	}
	return deliveryID, nil
}

func (m *Mailer) buildMessage(bill *bills.Bill, filename string, attachment []byte, deliveryID string) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	subject := fmt.Sprintf("%s bill split - %s: your share is %s",
		m.billLabel, bill.PeriodLabel(), money.FormatUSD(bill.OtherPortion))

	fmt.Fprintf(&buf, "From: %s\r\n", m.from)
	fmt.Fprintf(&buf, "To: %s\r\n", m.to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Message-ID: <%s@wattsplit>\r\n", deliveryID)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", writer.Boundary())

	// The boundary-delimited headers above are written manually, so
	// rebuild the body through the multipart writer from here.
	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	part, err := writer.CreatePart(textHeader)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(part, "Hi,\r\n\r\nThe %s bill for %s is %s.\r\nYour share: %s\r\nDue date: %s\r\n\r\nThe full breakdown is attached.\r\n",
		m.billLabel, bill.PeriodLabel(), money.FormatUSD(bill.Amount),
		money.FormatUSD(bill.OtherPortion), bill.DueDate.Format("01/02/2006"))

	attachHeader := textproto.MIMEHeader{}
	attachHeader.Set("Content-Type", "application/pdf")
	attachHeader.Set("Content-Transfer-Encoding", "base64")
	attachHeader.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	part, err = writer.CreatePart(attachHeader)
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(attachment)
	for len(encoded) > 0 {
		line := encoded
		if len(line) > 76 {
			line = encoded[:76]
		}
		if _, err := fmt.Fprintf(part, "%s\r\n", line); err != nil {
			return nil, err
		}
		encoded = encoded[len(line):]
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deliver speaks SMTP over a context-bounded connection so a hung
// server degrades to a logged failure instead of blocking the tracker.
func (m *Mailer) deliver(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(m.host, fmt.Sprint(m.port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Mail(m.from); err != nil {
		return err
	}
	if err := client.Rcpt(m.to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
