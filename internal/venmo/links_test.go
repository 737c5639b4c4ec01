package venmo

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wattsplit/wattsplit/internal/bills"
)

func testBill() *bills.Bill {
	return &bills.Bill{
		ID:           1,
		Amount:       decimal.RequireFromString("326.71"),
		DueDate:      time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC),
		OtherPortion: decimal.RequireFromString("108.90"),
		SelfPortion:  decimal.RequireFromString("217.81"),
	}
}

func TestBuildLink(t *testing.T) {
	builder := NewBuilder("UshiLo", "PG&E")

	deep, web, err := builder.BuildLink(testBill())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(deep, "venmo://paycharge?"))
	require.True(t, strings.HasPrefix(web, "https://venmo.com/?"))

	parsed, err := url.Parse(deep)
	require.NoError(t, err)
	params := parsed.Query()
	require.Equal(t, "charge", params.Get("txn"))
	require.Equal(t, "UshiLo", params.Get("recipients"))
	require.Equal(t, "108.90", params.Get("amount"))
	require.Equal(t, "PG&E bill split - October 2024", params.Get("note"))

	// The ampersand in the label must be escaped in the raw URL.
	require.Contains(t, deep, "PG%26E")
	require.NotContains(t, deep, "PG&E")
}

func TestBuildLinkDeterministic(t *testing.T) {
	builder := NewBuilder("UshiLo", "PG&E")
	first, _, err := builder.BuildLink(testBill())
	require.NoError(t, err)
	second, _, err := builder.BuildLink(testBill())
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestBuildLinkMissingRecipient(t *testing.T) {
	builder := NewBuilder("", "PG&E")
	_, _, err := builder.BuildLink(testBill())
	require.ErrorIs(t, err, ErrNoRecipient)
}
