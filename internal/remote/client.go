// Package remote talks to the notes REST API and turns its loosely shaped
// payloads into notes.Note values.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/notesync/internal/apperr"
	"github.com/agentworkforce/notesync/internal/notes"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(t)), nil
}

type Options struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int
	// OnUnauthorized is called with the status of every 401/403 response.
	OnUnauthorized func(status int)
	Logger         *slog.Logger
}

type HTTPClient struct {
	baseURL        string
	tokens         TokenSource
	httpClient     *http.Client
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	onUnauthorized func(status int)
	logger         *slog.Logger
}

var _ notes.Remote = (*HTTPClient)(nil)

func NewHTTPClient(opts Options) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3000/api"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Tokens == nil {
		opts.Tokens = StaticToken("")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HTTPClient{
		baseURL:        baseURL,
		tokens:         opts.Tokens,
		httpClient:     opts.HTTPClient,
		maxRetries:     opts.MaxRetries,
		baseDelay:      100 * time.Millisecond,
		maxDelay:       2 * time.Second,
		onUnauthorized: opts.OnUnauthorized,
		logger:         opts.Logger,
	}
}

func (c *HTTPClient) ListNotes(ctx context.Context, filter notes.Filter) (notes.Page, error) {
	q := url.Values{}
	if len(filter.Tags) > 0 {
		q.Set("tags", strings.Join(filter.Tags, ","))
	}
	if filter.Favorite != nil {
		q.Set("favorite", strconv.FormatBool(*filter.Favorite))
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		q.Set("search", s)
	}
	if filter.SortBy != "" {
		q.Set("sortBy", filter.SortBy)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	payload, err := c.doJSON(ctx, http.MethodGet, withQuery("/notes", q), nil)
	if err != nil {
		return notes.Page{}, err
	}
	return decodePage(payload, filter.Offset)
}

func (c *HTTPClient) GetNote(ctx context.Context, id string) (notes.Note, error) {
	payload, err := c.doJSON(ctx, http.MethodGet, "/notes/"+url.PathEscape(id), nil)
	if err != nil {
		return notes.Note{}, err
	}
	return decodeNote(payload)
}

func (c *HTTPClient) CreateNote(ctx context.Context, in notes.NoteInput) (notes.Note, error) {
	payload, err := c.doJSON(ctx, http.MethodPost, "/notes", in)
	if err != nil {
		return notes.Note{}, err
	}
	return decodeNote(payload)
}

func (c *HTTPClient) UpdateNote(ctx context.Context, id string, update notes.NoteUpdate) (notes.Note, error) {
	payload, err := c.doJSON(ctx, http.MethodPut, "/notes/"+url.PathEscape(id), update)
	if err != nil {
		return notes.Note{}, err
	}
	return decodeNote(payload)
}

func (c *HTTPClient) DeleteNote(ctx context.Context, id string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, "/notes/"+url.PathEscape(id), nil)
	return err
}

func (c *HTTPClient) Feed(ctx context.Context, opts notes.FeedOptions) (notes.Page, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	payload, err := c.doJSON(ctx, http.MethodGet, withQuery("/social/feed", q), nil)
	if err != nil {
		return notes.Page{}, err
	}
	return decodePage(payload, opts.Offset)
}

func (c *HTTPClient) LikeNote(ctx context.Context, id string) (notes.LikeResult, error) {
	payload, err := c.doJSON(ctx, http.MethodPost, "/social/notes/"+url.PathEscape(id)+"/like", nil)
	if err != nil {
		return notes.LikeResult{}, err
	}
	return decodeLikeResult(payload)
}

func (c *HTTPClient) Likes(ctx context.Context, id string) ([]notes.Like, error) {
	payload, err := c.doJSON(ctx, http.MethodGet, "/social/notes/"+url.PathEscape(id)+"/likes", nil)
	if err != nil {
		return nil, err
	}
	return decodeLikes(payload)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any) ([]byte, error) {
	op := method + " " + strings.SplitN(requestPath, "?", 2)[0]
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, op, err)
		}
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuthentication, op, err)
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, op, err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, apperr.Wrap(apperr.KindNetwork, op, waitErr)
				}
				continue
			}
			return nil, apperr.Wrap(apperr.KindNetwork, op, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, apperr.Wrap(apperr.KindNetwork, op, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			c.logger.Debug("retrying remote request", "op", op, "status", resp.StatusCode, "attempt", attempt+1)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, apperr.Wrap(apperr.KindNetwork, op, waitErr)
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = errPayload.Error
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			if c.onUnauthorized != nil {
				c.onUnauthorized(resp.StatusCode)
			}
		}
		return nil, apperr.FromStatus(op, resp.StatusCode, errPayload.Code, errPayload.Message)
	}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func correlationID() string {
	return "notesync_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var errMalformed = errors.New("malformed payload")

func malformed(format string, args ...any) error {
	return apperr.Wrap(apperr.KindValidation, "remote.decode", fmt.Errorf("%w: %s", errMalformed, fmt.Sprintf(format, args...)))
}
