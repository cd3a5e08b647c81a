package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crosspost/internal/domain"
)

// WebhookConfig points a Webhook at a platform bridge.
type WebhookConfig struct {
	BaseURL string
	// Async platforms accept uploads for later review; their posts are
	// verified with CheckStatus.
	Async   bool
	Timeout time.Duration
}

// Webhook is a JSON-over-HTTP Publisher and CollectionClient for platform
// bridges that expose /posts and /collections.
type Webhook struct {
	base   string
	async  bool
	client *http.Client
}

func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("webhook base url %q is invalid", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Webhook{
		base:   strings.TrimRight(u.String(), "/"),
		async:  cfg.Async,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type publishBody struct {
	AccountID string `json:"account_id"`
	Handle    string `json:"handle"`
	Post      Post   `json:"post"`
}

type postAnswer struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (w *Webhook) Publish(ctx context.Context, account domain.TargetAccount, token Token, post Post) (Result, error) {
	var ans postAnswer
	code, err := w.do(ctx, "publish", http.MethodPost, "/posts", token, publishBody{AccountID: account.ID, Handle: account.Handle, Post: post}, &ans)
	if err != nil {
		var se *StatusError
		// a definite client-side rejection is a per-account result, not a transport failure
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != http.StatusRequestTimeout && se.Code != http.StatusTooManyRequests {
			return Result{Error: se.Error()}, nil
		}
		return Result{}, err
	}
	if ans.ID == "" {
		return Result{}, fmt.Errorf("publish: platform answered %d without a post id", code)
	}
	needsVerify := w.async || RemoteState(ans.State) == RemoteProcessing
	return Result{Success: true, ExternalPostID: ans.ID, NeedsVerification: needsVerify}, nil
}

func (w *Webhook) Delete(ctx context.Context, _ domain.TargetAccount, token Token, externalID string) (bool, error) {
	_, err := w.do(ctx, "delete", http.MethodDelete, "/posts/"+url.PathEscape(externalID), token, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (w *Webhook) CheckStatus(ctx context.Context, _ domain.TargetAccount, token Token, externalID string) (StatusReport, error) {
	var ans postAnswer
	_, err := w.do(ctx, "check status", http.MethodGet, "/posts/"+url.PathEscape(externalID), token, nil, &ans)
	var se *StatusError
	if errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusGone) {
		return StatusReport{Exists: false}, nil
	}
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{Exists: true, State: RemoteState(strings.ToLower(ans.State)), Reason: ans.Reason}, nil
}

type collectionAnswer struct {
	ID string `json:"id"`
}

func (w *Webhook) Find(ctx context.Context, _ domain.TargetAccount, token Token, name string) (string, bool, error) {
	var ans collectionAnswer
	_, err := w.do(ctx, "find collection", http.MethodGet, "/collections?name="+url.QueryEscape(name), token, nil, &ans)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ans.ID, ans.ID != "", nil
}

func (w *Webhook) Create(ctx context.Context, _ domain.TargetAccount, token Token, name, description string) (string, error) {
	var ans collectionAnswer
	body := map[string]string{"name": name, "description": description}
	if _, err := w.do(ctx, "create collection", http.MethodPost, "/collections", token, body, &ans); err != nil {
		return "", err
	}
	if ans.ID == "" {
		return "", errors.New("create collection: empty id")
	}
	return ans.ID, nil
}

func (w *Webhook) Attach(ctx context.Context, _ domain.TargetAccount, token Token, collectionID, externalPostID string) error {
	path := "/collections/" + url.PathEscape(collectionID) + "/items/" + url.PathEscape(externalPostID)
	_, err := w.do(ctx, "attach", http.MethodPut, path, token, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collectionID)
	}
	return err
}

// do sends one request. 401/403 map to ErrReconnectRequired, any other
// non-2xx answer to *StatusError.
func (w *Webhook) do(ctx context.Context, op, method, path string, token Token, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.base+path, body)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token.Value != "" {
		req.Header.Set("Authorization", "Bearer "+token.Value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, fmt.Errorf("%s: %w", op, ErrReconnectRequired)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		se := &StatusError{Op: op, Code: resp.StatusCode, Body: string(raw)}
		var ans postAnswer
		if json.Unmarshal(raw, &ans) == nil {
			se.Detail = ans.Error
		}
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				se.After = time.Duration(secs) * time.Second
			}
		}
		return resp.StatusCode, se
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s: decode: %w", op, err)
		}
	}
	return resp.StatusCode, nil
}
