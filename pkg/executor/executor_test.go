package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/persona/pkg/model"
)

func testMessage() model.Message {
	return model.NewMessage("user-1", "general", model.DomainChat, 0.7,
		json.RawMessage(`{"text":"hello"}`), time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), 0)
}

func TestWebhook_Success(t *testing.T) {
	msg := testMessage()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "alice", r.Header.Get("X-Persona-Agent"))
		assert.Equal(t, msg.ID, r.Header.Get("Idempotency-Key"))

		var req webhookRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "alice", req.AgentID)
		assert.Equal(t, msg.ID, req.Message.ID)
		assert.JSONEq(t, `{"text":"hello"}`, string(req.Message.Payload))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"complexity":0.4,"output":{"reply":"hi"}}`))
	}))
	defer srv.Close()

	res, err := NewWebhook("alice", srv.URL, time.Second).Execute(context.Background(), msg)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, res.Complexity, 1e-9)
	assert.JSONEq(t, `{"reply":"hi"}`, string(res.Output))
}

func TestWebhook_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res, err := NewWebhook("alice", srv.URL, time.Second).Execute(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Zero(t, res.Complexity)
}

func TestWebhook_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		rejected bool
	}{
		{"unprocessable", http.StatusUnprocessableEntity, true},
		{"server error", http.StatusInternalServerError, false},
		{"bad gateway", http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewWebhook("alice", srv.URL, time.Second).Execute(context.Background(), testMessage())
			require.Error(t, err)
			assert.Equal(t, tt.rejected, errors.Is(err, ErrRejected))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestWebhook_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewWebhook("alice", srv.URL, 5*time.Second).Execute(ctx, testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimulated_LatencyOnFakeClock(t *testing.T) {
	clk := clockwork.NewFakeClock()
	sim := NewSimulated(SimConfig{MinLatency: 2 * time.Second, MaxLatency: 2 * time.Second}, clk)

	done := make(chan error, 1)
	go func() {
		_, err := sim.Execute(context.Background(), testMessage())
		done <- err
	}()

	require.NoError(t, clk.BlockUntilContext(context.Background(), 1))
	select {
	case <-done:
		t.Fatal("returned before latency elapsed")
	default:
	}
	clk.Advance(2 * time.Second)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, sim.Calls())
	assert.Zero(t, sim.Failures())
}

func TestSimulated_FailureRate(t *testing.T) {
	always := NewSimulated(SimConfig{FailureRate: 1}, nil)
	_, err := always.Execute(context.Background(), testMessage())
	assert.ErrorIs(t, err, ErrSimulatedFailure)

	never := NewSimulated(SimConfig{FailureRate: 0}, nil)
	res, err := never.Execute(context.Background(), testMessage())
	require.NoError(t, err)
	assert.InDelta(t, 0.7, res.Complexity, 1e-9)
}

func TestSimulated_HangHonoursContext(t *testing.T) {
	sim := NewSimulated(SimConfig{HangRate: 1}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sim.Execute(ctx, testMessage())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, sim.Failures())
}

func TestSimulated_SeedIsDeterministic(t *testing.T) {
	run := func() []bool {
		sim := NewSimulated(SimConfig{FailureRate: 0.5, Seed: 42}, nil)
		out := make([]bool, 20)
		for i := range out {
			_, err := sim.Execute(context.Background(), testMessage())
			out[i] = err != nil
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestFunc(t *testing.T) {
	var got string
	var e Executor = Func(func(ctx context.Context, msg model.Message) (Result, error) {
		got = msg.ID
		return Result{Complexity: 1}, nil
	})
	msg := testMessage()
	res, err := e.Execute(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got)
	assert.Equal(t, 1.0, res.Complexity)
}
