// Package mailbox is a thin client for the Gmail REST API. It only
// knows how to find the utility's bill emails and hand back their
// decoded text; everything else about ingestion lives elsewhere.
package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/wattsplit/wattsplit/internal/ingest"
)

const defaultMaxResults = 25

// Client fetches candidate bill emails from one mailbox.
type Client struct {
	baseURL    string
	token      string
	sender     string
	maxResults int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient constructs a client. sender filters the search to the
// utility's billing address; token is the OAuth bearer token managed
// outside this service.
func NewClient(baseURL, token, sender string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		sender:     sender,
		maxResults: defaultMaxResults,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type messageList struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type messagePayload struct {
	MimeType string `json:"mimeType"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []messagePayload `json:"parts"`
}

type message struct {
	ID           string         `json:"id"`
	InternalDate string         `json:"internalDate"`
	Payload      messagePayload `json:"payload"`
}

// FetchCandidates implements ingest.Source: it lists messages from the
// configured sender received after since, then fetches and decodes
// each body. A message that cannot be fetched is logged and skipped so
// one bad message never blocks the rest of the mailbox; only a failed
// listing aborts the run.
func (c *Client) FetchCandidates(ctx context.Context, since time.Time) ([]ingest.Candidate, error) {
	query := fmt.Sprintf("from:%s after:%s", c.sender, since.Format("2006/01/02"))
	listURL := fmt.Sprintf("%s/gmail/v1/users/me/messages?q=%s&maxResults=%d",
		c.baseURL, url.QueryEscape(query), c.maxResults)

	var list messageList
	if err := c.getJSON(ctx, listURL, &list); err != nil {
		return nil, fmt.Errorf("mailbox: list messages: %w", err)
	}

	candidates := make([]ingest.Candidate, 0, len(list.Messages))
	for _, ref := range list.Messages {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msgURL := fmt.Sprintf("%s/gmail/v1/users/me/messages/%s?format=full", c.baseURL, ref.ID)
		var msg message
		if err := c.getJSON(ctx, msgURL, &msg); err != nil {
			c.logger.Warn("skipping unreadable message", "message_id", ref.ID, "error", err)
			continue
		}
		candidates = append(candidates, ingest.Candidate{
			ID:         msg.ID,
			Subject:    header(msg.Payload, "Subject"),
			RawText:    bodyText(msg.Payload),
			ReceivedAt: internalDate(msg.InternalDate),
		})
	}
	return candidates, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func header(p messagePayload, name string) string {
	for _, h := range p.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// bodyText walks the MIME tree and returns the first text/plain part,
// falling back to text/html. Both source formats the extractor knows
// arrive as one or the other.
func bodyText(p messagePayload) string {
	if text := findPart(p, "text/plain"); text != "" {
		return text
	}
	return findPart(p, "text/html")
}

func findPart(p messagePayload, mimeType string) string {
	if p.MimeType == mimeType && p.Body.Data != "" {
		return decodeBody(p.Body.Data)
	}
	for _, part := range p.Parts {
		if text := findPart(part, mimeType); text != "" {
			return text
		}
	}
	return ""
}

func decodeBody(data string) string {
	decoded, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		if padded, err2 := base64.URLEncoding.DecodeString(data); err2 == nil {
			return string(padded)
		}
		return ""
	}
	return string(decoded)
}

func internalDate(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
