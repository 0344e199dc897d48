package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaydash/internal/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewHTTPClient(server.URL, "token", server.Client(), nil)
	client.baseDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond
	return client
}

func TestListRetriesTransientFailure(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/api/locates" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`[{"id":1,"created_at":"2024-06-01T10:00:00Z","is_seen":false}]`))
	})

	locates, err := client.ListLocates(context.Background())
	require.NoError(t, err)
	require.Len(t, locates, 1)
	assert.Equal(t, records.ID("1"), locates[0].ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestListGivesUpAfterReadBudget(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.ListWorkOrders(context.Background())
	require.Error(t, err)
	var readErr *ReadError
	require.True(t, errors.As(err, &readErr))
	assert.Equal(t, records.CollectionWorkOrders, readErr.Collection)
	assert.Equal(t, 3, readErr.Attempts)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.Equal(t, int32(DefaultReadRetries+1), atomic.LoadInt32(&calls))
}

func TestListAcceptsDataEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"7","status":"LOCKED","rme_completed":true},{"id":"8","status":null}]}`))
	})
	orders, err := client.ListWorkOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, records.StatusLocked, orders[0].Status)
	assert.Equal(t, records.StatusNone, orders[1].Status)
}

func TestListRejectsInvalidPayload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"customer":"no id"}]`))
	})
	_, err := client.ListWorkOrders(context.Background())
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestMutationsAreNotRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	err := client.PatchWorkOrder(context.Background(), "42", records.WorkOrderPatch{Status: records.Some(records.StatusLocked)})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPatchSendsOnlySetFields(t *testing.T) {
	var gotMethod, gotPath, gotCorrelation string
	var gotBody map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotCorrelation = r.Header.Get("X-Correlation-Id")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	})
	err := client.PatchWorkOrder(context.Background(), "42", records.WorkOrderPatch{
		Status:       records.Some(records.StatusLocked),
		RMECompleted: records.Some(true),
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/api/work-orders/42", gotPath)
	assert.NotEmpty(t, gotCorrelation)
	assert.Equal(t, map[string]any{"status": "LOCKED", "rme_completed": true}, gotBody)
}

func TestDeleteNotFoundMatchesSentinel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"gone"}`))
	})
	err := client.DeleteWorkOrder(context.Background(), "9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBulkEndpointsSendIDs(t *testing.T) {
	got := map[string]string{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		got[r.Method+" "+r.URL.Path] = string(raw)
		w.WriteHeader(http.StatusOK)
	})
	ctx := context.Background()
	require.NoError(t, client.BulkDeleteWorkOrders(ctx, []records.ID{"1", "2"}))
	require.NoError(t, client.MarkLocatesSeen(ctx, []records.ID{"3"}))
	require.NoError(t, client.MarkWorkOrdersSeen(ctx, []records.ID{"abc"}))

	assert.JSONEq(t, `{"ids":[1,2]}`, got["POST /api/work-orders/bulk-delete"])
	assert.JSONEq(t, `{"ids":[3]}`, got["POST /api/locates/mark-seen"])
	assert.JSONEq(t, `{"ids":["abc"]}`, got["POST /api/work-orders/mark-seen"])
}

func TestRetryDelayHonoursRetryAfter(t *testing.T) {
	c := NewHTTPClient("", "", nil, nil)
	assert.Equal(t, time.Second, c.retryDelay(1, "1"))
	assert.Equal(t, 2*time.Second, c.retryDelay(1, "30"))
	assert.Equal(t, 200*time.Millisecond, c.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, c.retryDelay(2, ""))
}
