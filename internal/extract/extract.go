// Package extract pulls bill fields out of raw utility statement
// emails. It knows two source formats: the plain-text statement body
// and the HTML-table body that arrives after markdown conversion.
package extract

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Extraction failures. Both the amount and the due date are required;
// a candidate missing either is rejected, never partially accepted.
var (
	ErrNoAmount  = errors.New("extract: no amount pattern matched")
	ErrNoDueDate = errors.New("extract: no due date pattern matched")
)

// dateLayout is the MM/DD/YYYY format used by the utility's emails.
const dateLayout = "01/02/2006"

// Ordered per format: plain statement patterns first, then the HTML
// table variants. The first match wins for each field independently.
var amountPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Statement balance:\s*\$(\d+\.\d{2})`),
	regexp.MustCompile(`(?i)Amount Due[:\s]*\$(\d+\.\d{2})`),
	regexp.MustCompile(`(?i)Total Amount Due[:\s]*\$(\d+\.\d{2})`),
	regexp.MustCompile(`(?i)Current charges[:\s]*\$(\d+\.\d{2})`),
	regexp.MustCompile(`(?i)\*\*\$(\d+\.\d{2})\*\*`),
	regexp.MustCompile(`(?i)<strong>\$(\d+\.\d{2})</strong>`),
	regexp.MustCompile(`(?i)\$(\d+\.\d{2})</strong>`),
}

var dueDatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Payment due date:\s*(\d{2}/\d{2}/\d{4})`),
	regexp.MustCompile(`(?i)Due Date[:\s]*(\d{2}/\d{2}/\d{4})`),
	regexp.MustCompile(`(?i)Due by[:\s]*(\d{2}/\d{2}/\d{4})`),
	regexp.MustCompile(`(?i)\*\*(\d{2}/\d{2}/\d{4})\s*\*\*`),
	regexp.MustCompile(`(?i)<strong>(\d{2}/\d{2}/\d{4})\s*</strong>`),
	regexp.MustCompile(`(?i)(\d{2}/\d{2}/\d{4})\s*</strong>`),
}

var periodPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Bill period[:\s]*(\d{2}/\d{2}/\d{4})\s*-\s*(\d{2}/\d{2}/\d{4})`),
	regexp.MustCompile(`(?i)Service period[:\s]*(\d{2}/\d{2}/\d{4})\s*to\s*(\d{2}/\d{2}/\d{4})`),
}

// Fields is the tuple extracted from one candidate email.
type Fields struct {
	Amount      decimal.Decimal
	DueDate     time.Time
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

// PeriodLabel returns a human label for the billing period, or the
// due-date month when the email carried no period line.
func (f Fields) PeriodLabel() string {
	if f.PeriodStart != nil && f.PeriodEnd != nil {
		return fmt.Sprintf("%s - %s", f.PeriodStart.Format(dateLayout), f.PeriodEnd.Format(dateLayout))
	}
	return f.DueDate.Format("January 2006")
}

// Extract parses bill fields from raw email text. It is deterministic
// and side-effect free; identical input yields identical output.
func Extract(raw string) (Fields, error) {
	var out Fields

	amount, ok := firstMatch(amountPatterns, raw)
	if !ok {
		return Fields{}, ErrNoAmount
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return Fields{}, fmt.Errorf("extract: amount %q: %w", amount, err)
	}
	out.Amount = parsed

	due, ok := firstMatch(dueDatePatterns, raw)
	if !ok {
		return Fields{}, ErrNoDueDate
	}
	dueDate, err := time.Parse(dateLayout, due)
	if err != nil {
		return Fields{}, fmt.Errorf("extract: due date %q: %w", due, err)
	}
	out.DueDate = dueDate

	for _, p := range periodPatterns {
		m := p.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		start, startErr := time.Parse(dateLayout, m[1])
		end, endErr := time.Parse(dateLayout, m[2])
		if startErr != nil || endErr != nil {
			break
		}
		out.PeriodStart = &start
		out.PeriodEnd = &end
		break
	}

	return out, nil
}

func firstMatch(patterns []*regexp.Regexp, raw string) (string, bool) {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(raw); m != nil {
			return m[1], true
		}
	}
	return "", false
}
