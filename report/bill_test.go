package report

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
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
		EmailID:      "msg-1",
		EmailSubject: "Your Energy Statement",
	}
}

func newTestRenderer(t *testing.T, serverFn http.HandlerFunc) (*BillRenderer, string) {
	t.Helper()
	server := httptest.NewServer(serverFn)
	t.Cleanup(server.Close)

	outDir := t.TempDir()
	renderer, err := NewBillRenderer(NewClient(server.URL, 5*time.Second), outDir, "PG&E", decimal.RequireFromString("0.333333"))
	require.NoError(t, err)
	return renderer, outDir
}

func TestRenderWritesArtifact(t *testing.T) {
	var received string
	renderer, _ := newTestRenderer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/forms/chromium/convert/html", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1 << 20))
		file, _, err := r.FormFile("files")
		require.NoError(t, err)
		html, err := io.ReadAll(file)
		require.NoError(t, err)
		received = string(html)
		_, _ = w.Write([]byte("%PDF-1.4 rendered"))
	})

	bill := testBill()
	path, err := renderer.Render(context.Background(), bill)
	require.NoError(t, err)
	require.Equal(t, renderer.ArtifactPath(bill), path)
	require.True(t, strings.HasSuffix(path, "bill-2024-10-09-326.71.pdf"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.4 rendered", string(data))

	require.Contains(t, received, "$326.71")
	require.Contains(t, received, "$108.90")
	require.Contains(t, received, "$217.81")
	require.Contains(t, received, "33.3%")
}

func TestRenderOverwritesOnRetry(t *testing.T) {
	calls := 0
	renderer, _ := newTestRenderer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte("%PDF-1.4 v" + string(rune('0'+calls))))
	})

	bill := testBill()
	first, err := renderer.Render(context.Background(), bill)
	require.NoError(t, err)
	second, err := renderer.Render(context.Background(), bill)
	require.NoError(t, err)
	require.Equal(t, first, second)

	data, err := os.ReadFile(second)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.4 v2", string(data))
}

func TestRenderConverterFailure(t *testing.T) {
	renderer, outDir := newTestRenderer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := renderer.Render(context.Background(), testBill())
	require.Error(t, err)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}
