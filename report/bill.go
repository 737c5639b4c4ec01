package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"

	"github.com/wattsplit/wattsplit/internal/bills"
	"github.com/wattsplit/wattsplit/internal/money"
)

const billTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
  body { font-family: Helvetica, Arial, sans-serif; margin: 40px; color: #222; }
  h1 { color: #0066cc; }
  .subtitle { color: #666; margin-bottom: 24px; }
  table { border-collapse: collapse; width: 100%; }
  th, td { text-align: left; padding: 8px 12px; border-bottom: 1px solid #ddd; }
  .total td { font-weight: bold; border-top: 2px solid #222; }
  .footer { margin-top: 32px; font-size: 12px; color: #888; }
</style>
</head>
<body>
<h1>{{ .Label }} Bill Split</h1>
<p class="subtitle">{{ .Period }} &mdash; due {{ .DueDate }}</p>
<table>
  <tr><th>Item</th><th>Amount</th></tr>
  <tr><td>Total bill</td><td>{{ usd .Amount }}</td></tr>
  <tr><td>Roommate share ({{ .RatioLabel }})</td><td>{{ usd .OtherPortion }}</td></tr>
  <tr class="total"><td>Remaining share</td><td>{{ usd .SelfPortion }}</td></tr>
</table>
<div class="footer">Statement email {{ .EmailID }}{{ if .EmailSubject }} &mdash; {{ .EmailSubject }}{{ end }}</div>
</body>
</html>`

// BillRenderer renders a bill summary PDF and writes it under the
// artifact directory. Implements the tracker's Renderer port.
type BillRenderer struct {
	client     *Client
	outDir     string
	label      string
	ratioLabel string
	tmpl       *template.Template
}

// NewBillRenderer constructs a renderer. ratio is only used for the
// human-readable share label in the document.
func NewBillRenderer(client *Client, outDir, label string, ratio decimal.Decimal) (*BillRenderer, error) {
	if label == "" {
		label = "Utility"
	}
	tmpl, err := template.New("bill").Funcs(template.FuncMap{
		"usd": money.FormatUSD,
	}).Parse(billTemplate)
	if err != nil {
		return nil, fmt.Errorf("report: parse template: %w", err)
	}
	return &BillRenderer{
		client:     client,
		outDir:     outDir,
		label:      label,
		ratioLabel: ratio.Mul(decimal.NewFromInt(100)).Round(1).String() + "%",
		tmpl:       tmpl,
	}, nil
}

// ArtifactPath returns the deterministic per-bill output path, so a
// retried render overwrites the previous artifact instead of
// accumulating copies.
func (r *BillRenderer) ArtifactPath(bill *bills.Bill) string {
	name := fmt.Sprintf("bill-%s-%s.pdf", bill.DueDate.Format("2006-01-02"), bill.Amount.StringFixed(2))
	return filepath.Join(r.outDir, name)
}

// Render builds the summary document and writes the PDF atomically.
func (r *BillRenderer) Render(ctx context.Context, bill *bills.Bill) (string, error) {
	var buf bytes.Buffer
	err := r.tmpl.Execute(&buf, map[string]any{
		"Label":        r.label,
		"Period":       bill.PeriodLabel(),
		"DueDate":      bill.DueDate.Format("01/02/2006"),
		"Amount":       bill.Amount,
		"OtherPortion": bill.OtherPortion,
		"SelfPortion":  bill.SelfPortion,
		"RatioLabel":   r.ratioLabel,
		"EmailID":      bill.EmailID,
		"EmailSubject": bill.EmailSubject,
	})
	if err != nil {
		return "", fmt.Errorf("report: execute template: %w", err)
	}

	pdf, err := r.client.RenderHTML(ctx, buf.String())
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return "", fmt.Errorf("report: create artifact dir: %w", err)
	}
	path := r.ArtifactPath(bill)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pdf, 0o644); err != nil {
		return "", fmt.Errorf("report: write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("report: publish artifact: %w", err)
	}
	return path, nil
}
