package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackctl"
	"github.com/loykin/stackctl/internal/orchestrator"
	"github.com/loykin/stackctl/internal/outcome"
	"github.com/loykin/stackctl/internal/registry"
	"github.com/loykin/stackctl/internal/server"
	"github.com/loykin/stackctl/internal/status"
)

type fakeController struct {
	configErr error
}

func (f *fakeController) StartAll(context.Context) outcome.Result {
	if f.configErr != nil {
		r := outcome.Result{Operation: outcome.OpStartAll, Err: f.configErr}
		r.Finalize()
		return r
	}
	return outcome.Result{RunID: "run-1", Operation: outcome.OpStartAll, Status: outcome.StatusPartialFailure, Outcomes: []outcome.Outcome{
		{Service: "inference", State: outcome.Started, PID: 10, Confirmed: true},
		{Service: "embedding", State: outcome.StartFailed, Detail: "ExecutableNotFound"},
	}}
}

func (f *fakeController) StopAll(context.Context) outcome.Result {
	return outcome.Result{Operation: outcome.OpStopAll, Status: outcome.StatusFailure, Outcomes: []outcome.Outcome{
		{Service: "inference", State: outcome.StopFailed, Detail: "permission denied"},
	}}
}

func (f *fakeController) StartOne(_ context.Context, name string) outcome.Result {
	r := outcome.Result{Operation: outcome.OpStartOne, Err: fmt.Errorf("%w %q", orchestrator.ErrUnknownService, name)}
	r.Finalize()
	return r
}

func (f *fakeController) StopOne(_ context.Context, name string) outcome.Result {
	return outcome.Result{Operation: outcome.OpStopOne, Status: outcome.StatusSuccess, Outcomes: []outcome.Outcome{
		{Service: name, State: outcome.NotRunning},
	}}
}

func (f *fakeController) Status(context.Context) (status.Snapshot, error) {
	if f.configErr != nil {
		return status.Snapshot{}, f.configErr
	}
	return status.Snapshot{TakenAt: time.Now(), Services: []status.ServiceStatus{{Name: "inference", Listening: true, Method: "port"}}}, nil
}

func (f *fakeController) Registry() (*registry.Registry, error) {
	return registry.New([]registry.Descriptor{{Name: "inference", Command: "llama-server", HealthPort: 8080}})
}

func newTestClient(t *testing.T, ctl server.Controller) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ts := httptest.NewServer(server.NewRouter(ctl, "/api").Handler())
	t.Cleanup(ts.Close)
	return New(Config{BaseURL: ts.URL + "/api/", Timeout: 5 * time.Second})
}

func TestInvocations(t *testing.T) {
	c := newTestClient(t, &fakeController{})
	ctx := context.Background()

	res, err := c.StartAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, stackctl.StatusPartialFailure, res.Status)
	assert.Len(t, res.Failures(), 1)
	assert.NoError(t, res.Err)

	res, err = c.StopAll(ctx)
	require.NoError(t, err, "a failed invocation still carries a result")
	assert.Equal(t, stackctl.StatusFailure, res.Status)

	res, err = c.StopOne(ctx, "inference")
	require.NoError(t, err)
	assert.Equal(t, outcome.NotRunning, res.Outcomes[0].State)
}

func TestFatalErrorsBecomeAPIErrors(t *testing.T) {
	c := newTestClient(t, &fakeController{})
	res, err := c.StartOne(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, stackctl.StatusFailure, res.Status)
	var apiErr *APIError
	require.True(t, errors.As(res.Err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "ghost")

	c = newTestClient(t, &fakeController{configErr: &registry.ConfigurationError{Problems: []string{"no services configured"}}})
	res, err = c.StartAll(context.Background())
	require.NoError(t, err)
	require.True(t, errors.As(res.Err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)

	_, err = c.Status(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Contains(t, apiErr.Message, "no services configured")
}

func TestStatusServicesReachable(t *testing.T) {
	c := newTestClient(t, &fakeController{})
	ctx := context.Background()

	snap, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Listening("inference"))

	descs, err := c.Services(ctx)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, 8080, descs[0].HealthPort)

	assert.True(t, c.IsReachable(ctx))
	assert.False(t, New(Config{BaseURL: "http://127.0.0.1:1/api", RetryMax: 0, Timeout: time.Second}).IsReachable(ctx))
}

func TestRetriesGatewayErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"operation":"stop-all","status":"success","outcomes":[]}`))
	}))
	defer ts.Close()

	res, err := New(Config{BaseURL: ts.URL, RetryMax: 2}).StopAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stackctl.StatusSuccess, res.Status)
	assert.Equal(t, int32(2), calls.Load())

	calls.Store(0)
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"operation":"start-all","status":"failure","outcomes":[]}`))
	}))
	defer failing.Close()
	res, err = New(Config{BaseURL: failing.URL, RetryMax: 2}).StartAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stackctl.StatusFailure, res.Status)
	assert.Equal(t, int32(1), calls.Load(), "failed invocations are not replayed")
}

func TestUnexpectedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such route", http.StatusNotFound)
	}))
	defer ts.Close()
	_, err := New(Config{BaseURL: ts.URL}).StartAll(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "no such route", apiErr.Message)
}
