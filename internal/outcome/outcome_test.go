package outcome

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFinalize(t *testing.T) {
	tests := []struct {
		name     string
		res      Result
		expected Status
	}{
		{"empty", Result{}, StatusSuccess},
		{"all fine", Result{Outcomes: []Outcome{{State: Started}, {State: AlreadyRunning}}}, StatusSuccess},
		{"stop no-op", Result{Outcomes: []Outcome{{State: NotRunning}, {State: Stopped}}}, StatusSuccess},
		{"one of two failed", Result{Outcomes: []Outcome{{State: Started}, {State: StartFailed}}}, StatusPartialFailure},
		{"all failed", Result{Outcomes: []Outcome{{State: StopFailed}, {State: StopFailed}}}, StatusFailure},
		{"canceled without failures", Result{Canceled: true, Outcomes: []Outcome{{State: Started}}}, StatusPartialFailure},
		{"fatal error", Result{Err: errors.New("boom"), Outcomes: []Outcome{{State: Started}}}, StatusFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.res.Finalize()
			assert.Equal(t, tt.expected, tt.res.Status)
		})
	}
}

func TestFinalizeCopiesError(t *testing.T) {
	r := Result{Err: errors.New("configuration error: x")}
	r.Finalize()
	assert.Equal(t, "configuration error: x", r.Error)
}

func TestCountLookupFailures(t *testing.T) {
	r := Result{Outcomes: []Outcome{
		{Service: "a", State: Started, PID: 10},
		{Service: "b", State: StartFailed, Detail: "ExecutableNotFound"},
		{Service: "c", State: Started},
	}}
	assert.Equal(t, 2, r.Count(Started))
	assert.Equal(t, 0, r.Count(Stopped))

	f := r.Failures()
	assert.Len(t, f, 1)
	assert.Equal(t, "b", f[0].Service)

	o, ok := r.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, 10, o.PID)
	_, ok = r.Lookup("zzz")
	assert.False(t, ok)
}

func TestSummaryListsEveryFailure(t *testing.T) {
	r := Result{Operation: OpStartAll, Canceled: true, Outcomes: []Outcome{
		{Service: "inference", State: Started, PID: 42},
		{Service: "embedding", State: StartFailed, Detail: "ExecutableNotFound"},
	}}
	r.Finalize()
	s := r.Summary()
	lines := strings.Split(s, "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "start-all: partial-failure (canceled)", lines[0])
	assert.Contains(t, lines[1], "pid=42")
	assert.Contains(t, lines[2], "embedding")
	assert.Contains(t, lines[2], "ExecutableNotFound")
}

func TestStateFailed(t *testing.T) {
	for _, s := range []State{AlreadyRunning, Started, Stopped, NotRunning} {
		assert.False(t, s.Failed(), s)
	}
	assert.True(t, StartFailed.Failed())
	assert.True(t, StopFailed.Failed())
}
