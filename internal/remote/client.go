// Package remote is the transport to the work-order API. Reads are retried
// a small fixed number of times; mutations are sent exactly once.
package remote

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

	"github.com/agentworkforce/relaydash/internal/records"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrNotFound       = errors.New("remote record not found")
	ErrInvalidPayload = errors.New("invalid remote payload")
)

const DefaultReadRetries = 2

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Retryable reports whether the status is one the read path retries.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || (e.StatusCode >= 500 && e.StatusCode <= 599)
}

// ReadError is returned when a list read failed after its retry budget.
type ReadError struct {
	Collection string
	Attempts   int
	Err        error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s failed after %d attempt(s): %v", e.Collection, e.Attempts, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

type RemoteClient interface {
	ListWorkOrders(ctx context.Context) ([]records.WorkOrderRecord, error)
	ListLocates(ctx context.Context) ([]records.LocateRecord, error)
	PatchWorkOrder(ctx context.Context, id records.ID, patch records.WorkOrderPatch) error
	DeleteWorkOrder(ctx context.Context, id records.ID) error
	BulkDeleteWorkOrders(ctx context.Context, ids []records.ID) error
	MarkLocatesSeen(ctx context.Context, ids []records.ID) error
	MarkWorkOrdersSeen(ctx context.Context, ids []records.ID) error
}

type HTTPClient struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	readRetries int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:     baseURL,
		token:       strings.TrimSpace(token),
		httpClient:  httpClient,
		readRetries: DefaultReadRetries,
		baseDelay:   200 * time.Millisecond,
		maxDelay:    2 * time.Second,
		logger:      logger,
		tracer:      otel.Tracer("relaydash/remote"),
	}
}

// SetReadRetries overrides the read retry budget. Negative values are
// treated as zero.
func (c *HTTPClient) SetReadRetries(n int) {
	if n < 0 {
		n = 0
	}
	c.readRetries = n
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) ListWorkOrders(ctx context.Context) ([]records.WorkOrderRecord, error) {
	var out []records.WorkOrderRecord
	if err := c.readList(ctx, records.CollectionWorkOrders, "/api/work-orders", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) ListLocates(ctx context.Context) ([]records.LocateRecord, error) {
	var out []records.LocateRecord
	if err := c.readList(ctx, records.CollectionLocates, "/api/locates", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) PatchWorkOrder(ctx context.Context, id records.ID, patch records.WorkOrderPatch) error {
	_, err := c.do(ctx, http.MethodPatch, workOrderPath(id), patch, 0)
	return err
}

func (c *HTTPClient) DeleteWorkOrder(ctx context.Context, id records.ID) error {
	_, err := c.do(ctx, http.MethodDelete, workOrderPath(id), nil, 0)
	return err
}

func (c *HTTPClient) BulkDeleteWorkOrders(ctx context.Context, ids []records.ID) error {
	_, err := c.do(ctx, http.MethodPost, "/api/work-orders/bulk-delete", idsBody{IDs: ids}, 0)
	return err
}

func (c *HTTPClient) MarkLocatesSeen(ctx context.Context, ids []records.ID) error {
	_, err := c.do(ctx, http.MethodPost, "/api/locates/mark-seen", idsBody{IDs: ids}, 0)
	return err
}

func (c *HTTPClient) MarkWorkOrdersSeen(ctx context.Context, ids []records.ID) error {
	_, err := c.do(ctx, http.MethodPost, "/api/work-orders/mark-seen", idsBody{IDs: ids}, 0)
	return err
}

type idsBody struct {
	IDs []records.ID `json:"ids"`
}

func workOrderPath(id records.ID) string {
	return "/api/work-orders/" + url.PathEscape(id.String())
}

func (c *HTTPClient) readList(ctx context.Context, collection, requestPath string, out any) error {
	payload, err := c.do(ctx, http.MethodGet, requestPath, nil, c.readRetries)
	if err != nil {
		return &ReadError{Collection: collection, Attempts: attemptsOf(err, c.readRetries), Err: err}
	}
	items, err := unwrapList(payload)
	if err != nil {
		return &ReadError{Collection: collection, Attempts: 1, Err: err}
	}
	if err := json.Unmarshal(items, out); err != nil {
		return &ReadError{Collection: collection, Attempts: 1, Err: fmt.Errorf("%w: %v", ErrInvalidPayload, err)}
	}
	return nil
}

// unwrapList accepts a bare array or a {"data": [...]} envelope and checks
// the result against the list schema.
func unwrapList(payload []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		trimmed = bytes.TrimSpace(envelope.Data)
	}
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("[]"), nil
	}
	if err := validateList(trimmed); err != nil {
		return nil, err
	}
	return json.RawMessage(trimmed), nil
}

type attemptError struct {
	attempts int
	err      error
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

func attemptsOf(err error, fallback int) int {
	var ae *attemptError
	if errors.As(err, &ae) {
		return ae.attempts
	}
	return fallback + 1
}

func (c *HTTPClient) do(ctx context.Context, method, requestPath string, body any, retries int) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, method+" "+requestPath,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.target", requestPath),
		),
	)
	defer span.End()

	payload, err := c.doJSON(ctx, span, method, requestPath, body, retries)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return payload, err
}

func (c *HTTPClient) doJSON(ctx context.Context, span trace.Span, method, requestPath string, body any, retries int) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		correlation := uuid.NewString()
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlation)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		span.SetAttributes(attribute.Int("http.attempt", attempt+1))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < retries {
				c.logger.Debug("retrying request after transport error",
					zap.String("method", method),
					zap.String("path", requestPath),
					zap.String("correlation_id", correlation),
					zap.Error(err),
				)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &attemptError{attempts: attempt + 1, err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
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
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
		if httpErr.Retryable() && attempt < retries {
			c.logger.Debug("retrying request",
				zap.String("method", method),
				zap.String("path", requestPath),
				zap.Int("status", resp.StatusCode),
				zap.String("correlation_id", correlation),
			)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, &attemptError{attempts: attempt + 1, err: httpErr}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
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
	if ts, err := http.ParseTime(header); err == nil {
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
