// Package venmo builds Venmo payment-request links. Pure string
// construction; the service never opens or sends the links itself.
package venmo

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/wattsplit/wattsplit/internal/bills"
)

// ErrNoRecipient indicates the builder was configured without a
// recipient handle.
var ErrNoRecipient = errors.New("venmo: recipient handle not configured")

// Builder constructs charge links against one recipient.
type Builder struct {
	recipient string
	billLabel string
}

// NewBuilder constructs a Builder. billLabel names the utility in the
// payment note, e.g. "PG&E".
func NewBuilder(recipient, billLabel string) *Builder {
	if billLabel == "" {
		billLabel = "Utility"
	}
	return &Builder{recipient: recipient, billLabel: billLabel}
}

// BuildLink implements bills.LinkBuilder. The deep link opens the
// Venmo app pre-filled with a charge for the other party's portion;
// the web link is the browser fallback. The note field is URL-escaped,
// which matters for labels like "PG&E".
func (b *Builder) BuildLink(bill *bills.Bill) (string, string, error) {
	if b.recipient == "" {
		return "", "", ErrNoRecipient
	}

	note := fmt.Sprintf("%s bill split - %s", b.billLabel, bill.DueDate.Format("January 2006"))
	params := url.Values{
		"txn":        {"charge"},
		"recipients": {b.recipient},
		"amount":     {bill.OtherPortion.StringFixed(2)},
		"note":       {note},
	}

	deep := "venmo://paycharge?" + params.Encode()
	web := "https://venmo.com/?" + params.Encode()
	return deep, web, nil
}
