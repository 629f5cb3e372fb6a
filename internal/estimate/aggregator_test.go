package estimate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/observability"
)

// behavior decides how a fake provider answers a proposal. Returning false
// means stay silent.
type behavior func(cmd messaging.ProposeProcessCommand) (messaging.ProcessEstimateResponse, bool)

func answer(cost float64) behavior {
	return func(cmd messaging.ProposeProcessCommand) (messaging.ProcessEstimateResponse, bool) {
		return messaging.ProcessEstimateResponse{
			ResponseID:     "r-" + cmd.ProviderID + "-" + cmd.CommandID,
			ProviderID:     cmd.ProviderID,
			Activity:       cmd.Step.Activity,
			CostEstimate:   cost,
			TimeEstimate:   messaging.Duration(2 * time.Hour),
			QualityScore:   0.8,
			EmissionsKgCO2: 3,
			CommandID:      cmd.CommandID,
		}, true
	}
}

func silent(messaging.ProposeProcessCommand) (messaging.ProcessEstimateResponse, bool) {
	return messaging.ProcessEstimateResponse{}, false
}

// startProviders answers proposals on ch according to behaviors, keyed by
// provider id. It records every received command.
func startProviders(t *testing.T, ch messaging.Channel, behaviors map[string]behavior) *[]messaging.ProposeProcessCommand {
	t.Helper()
	var mu sync.Mutex
	var seen []messaging.ProposeProcessCommand
	_, err := ch.Subscribe(context.Background(), messaging.SubjectProposeAll, "providers",
		func(ctx context.Context, _ string, env messaging.Envelope) error {
			cmd, err := messaging.Decode[messaging.ProposeProcessCommand](env, messaging.KindProposeProcess)
			if err != nil {
				return err
			}
			mu.Lock()
			seen = append(seen, cmd)
			mu.Unlock()
			b, ok := behaviors[cmd.ProviderID]
			if !ok {
				return nil
			}
			resp, reply := b(cmd)
			if !reply {
				return nil
			}
			return messaging.PublishPayload(ctx, ch, messaging.SubjectEstimateResponse, messaging.KindProcessEstimate, cmd.RequestID, resp)
		})
	require.NoError(t, err)
	return &seen
}

func providers(ids ...string) []domain.MatchedProvider {
	out := make([]domain.MatchedProvider, len(ids))
	for i, id := range ids {
		out[i] = domain.MatchedProvider{ProviderID: id, Name: id}
	}
	return out
}

func stepCtx(step int) messaging.StepContext {
	return messaging.StepContext{RequestID: "req-1", StepNumber: step, Capability: domain.CapabilityCleaning, Activity: "Cleaning"}
}

func newAggregator(t *testing.T, ch messaging.Channel, opts ...Option) *Aggregator {
	t.Helper()
	a := NewAggregator(ch, opts...)
	require.NoError(t, a.Start(context.Background(), "aggregator"))
	t.Cleanup(func() { a.Stop() })
	return a
}

func TestCollectCompletesEarly(t *testing.T) {
	ch := messaging.NewMemoryChannel()
	defer ch.Close()
	startProviders(t, ch, map[string]behavior{"p1": answer(100), "p2": answer(200), "p3": answer(300)})
	a := newAggregator(t, ch)

	began := time.Now()
	res := a.Collect(context.Background(), stepCtx(1), providers("p3", "p1", "p2"), 5*time.Second)
	assert.Less(t, time.Since(began), 2*time.Second)

	assert.True(t, res.Complete())
	assert.False(t, res.TimedOut)
	assert.False(t, res.Cancelled)
	require.Len(t, res.Estimates, 3)
	// Match order, not arrival order.
	assert.Equal(t, "p3", res.Estimates[0].ProviderID)
	assert.Equal(t, "p1", res.Estimates[1].ProviderID)
	assert.Equal(t, 1, res.Estimates[0].StepNumber)
	assert.Equal(t, 2*time.Hour, res.Estimates[0].Duration)
	assert.Equal(t, 0, a.Pending())
}

func TestCollectTimeoutReturnsSubset(t *testing.T) {
	ch := messaging.NewMemoryChannel()
	defer ch.Close()
	startProviders(t, ch, map[string]behavior{"fast": answer(10), "mute": silent})
	m := observability.NewMetrics()
	a := newAggregator(t, ch, WithMetrics(m))

	res := a.Collect(context.Background(), stepCtx(2), providers("fast", "mute"), 100*time.Millisecond)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Complete())
	require.Len(t, res.Estimates, 1)
	assert.Equal(t, "fast", res.Estimates[0].ProviderID)
	assert.Equal(t, "timeout", res.Outcome())
	assert.Equal(t, int64(1), m.Snapshot().CollectionDuration["timeout"].Count)
}

func TestCollectNoProviders(t *testing.T) {
	ch := messaging.NewMemoryChannel()
	defer ch.Close()
	a := newAggregator(t, ch)

	res := a.Collect(context.Background(), stepCtx(1), nil, time.Second)
	assert.Empty(t, res.Estimates)
	assert.Equal(t, 0, res.Expected)
	assert.False(t, res.TimedOut)
}

func TestCollectCancellation(t *testing.T) {
	ch := messaging.NewMemoryChannel()
	defer ch.Close()
	startProviders(t, ch, map[string]behavior{"mute": silent})
	a := newAggregator(t, ch)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res := a.Collect(ctx, stepCtx(1), providers("mute"), 10*time.Second)
	assert.True(t, res.Cancelled)
	assert.False(t, res.TimedOut)
	assert.Empty(t, res.Estimates)
}

func TestLateAndDuplicateResponsesDropped(t *testing.T) {
	ch := messaging.NewMemoryChannel()
	defer ch.Close()

	var captured atomic.Value
	startProviders(t, ch, map[string]behavior{
		"twice": func(cmd messaging.ProposeProcessCommand) (messaging.ProcessEstimateResponse, bool) {
			resp, _ := answer(50)(cmd)
			captured.Store(resp)
			// The duplicate is published by the test below.
			return resp, true
		},
	})
	m := observability.NewMetrics()
	a := newAggregator(t, ch, WithMetrics(m))

	res := a.Collect(context.Background(), stepCtx(1), providers("twice"), 2*time.Second)
	require.Len(t, res.Estimates, 1)

	// The same response again, now after the collection closed.
	resp := captured.Load().(messaging.ProcessEstimateResponse)
	env, err := messaging.NewEnvelope(messaging.KindProcessEstimate, "req-1", resp)
	require.NoError(t, err)
	require.NoError(t, a.HandleResponse(context.Background(), messaging.SubjectEstimateResponse, env))

	// A response nobody asked for.
	resp.CommandID = "never-sent"
	env, err = messaging.NewEnvelope(messaging.KindProcessEstimate, "req-1", resp)
	require.NoError(t, err)
	require.NoError(t, a.HandleResponse(context.Background(), messaging.SubjectEstimateResponse, env))

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Responses[responseAccepted])
	assert.Equal(t, int64(2), snap.Responses[responseUnknown])
}

func TestDuplicateWithinWindowIgnored(t *testing.T) {
	ch := messaging.NewMemoryChannel()
	defer ch.Close()
	startProviders(t, ch, map[string]behavior{
		"echo": func(cmd messaging.ProposeProcessCommand) (messaging.ProcessEstimateResponse, bool) {
			resp, _ := answer(70)(cmd)
			env, _ := messaging.NewEnvelope(messaging.KindProcessEstimate, cmd.RequestID, resp)
			_ = ch.Publish(context.Background(), messaging.SubjectEstimateResponse, env)
			return resp, true
		},
		"mute": silent,
	})
	m := observability.NewMetrics()
	a := newAggregator(t, ch, WithMetrics(m))

	res := a.Collect(context.Background(), stepCtx(1), providers("echo", "mute"), 200*time.Millisecond)
	require.Len(t, res.Estimates, 1)
	assert.Equal(t, int64(1), m.Snapshot().Responses[responseDuplicate])
}

func TestInvalidResponseDropped(t *testing.T) {
	ch := messaging.NewMemoryChannel()
	defer ch.Close()
	a := newAggregator(t, ch)

	env, err := messaging.NewEnvelope(messaging.KindProcessEstimate, "req-1", messaging.ProcessEstimateResponse{
		ProviderID: "p1", CommandID: "c1", QualityScore: 7,
	})
	require.NoError(t, err)
	assert.NoError(t, a.HandleResponse(context.Background(), messaging.SubjectEstimateResponse, env))
}

// flakyChannel fails the first failures publishes on a subject.
type flakyChannel struct {
	messaging.Channel
	mu       sync.Mutex
	failures map[string]int
	attempts map[string]int
}

func (f *flakyChannel) Publish(ctx context.Context, subject string, env messaging.Envelope) error {
	f.mu.Lock()
	f.attempts[subject]++
	if f.failures[subject] != 0 {
		if f.failures[subject] > 0 {
			f.failures[subject]--
		}
		f.mu.Unlock()
		return errors.New("broker unavailable")
	}
	f.mu.Unlock()
	return f.Channel.Publish(ctx, subject, env)
}

func TestSendRetriesAndFailures(t *testing.T) {
	mem := messaging.NewMemoryChannel()
	defer mem.Close()
	startProviders(t, mem, map[string]behavior{"flaky": answer(1), "dead": answer(2), "ok": answer(3)})

	flaky := &flakyChannel{
		Channel: mem,
		failures: map[string]int{
			messaging.ProposeSubject("flaky"): 2,
			messaging.ProposeSubject("dead"):  -1,
		},
		attempts: map[string]int{},
	}
	m := observability.NewMetrics()
	a := newAggregator(t, flaky, WithSendRetries(3, time.Millisecond), WithMetrics(m))

	began := time.Now()
	res := a.Collect(context.Background(), stepCtx(4), providers("flaky", "dead", "ok"), 5*time.Second)
	assert.Less(t, time.Since(began), 2*time.Second, "a failed send must not hold the window open")

	assert.False(t, res.TimedOut)
	assert.Equal(t, []string{"dead"}, res.SendFailures)
	require.Len(t, res.Estimates, 2)
	assert.Equal(t, "flaky", res.Estimates[0].ProviderID)

	flaky.mu.Lock()
	assert.Equal(t, 3, flaky.attempts[messaging.ProposeSubject("flaky")])
	assert.Equal(t, 4, flaky.attempts[messaging.ProposeSubject("dead")])
	flaky.mu.Unlock()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Proposals["sent"])
	assert.Equal(t, int64(1), snap.Proposals["failed"])
	assert.Equal(t, int64(5), snap.Proposals["retried"])
}

func TestCollectAllRunsStepsConcurrently(t *testing.T) {
	ch := messaging.NewMemoryChannel()
	defer ch.Close()
	startProviders(t, ch, map[string]behavior{"a": answer(1), "b": answer(2), "mute": silent})
	a := newAggregator(t, ch, WithSendRate(1000))

	var mu sync.Mutex
	results := map[int]CollectionResult{}
	began := time.Now()
	err := a.CollectAll(context.Background(), []StepRequest{
		{Step: stepCtx(1), Providers: providers("a", "mute")},
		{Step: stepCtx(2), Providers: providers("b", "mute")},
		{Step: stepCtx(3), Providers: providers("mute")},
	}, 150*time.Millisecond, func(r CollectionResult) {
		mu.Lock()
		results[r.StepNumber] = r
		mu.Unlock()
	})
	require.NoError(t, err)
	// Three sequential windows would take at least 450ms.
	assert.Less(t, time.Since(began), 400*time.Millisecond)

	require.Len(t, results, 3)
	assert.Len(t, results[1].Estimates, 1)
	assert.Len(t, results[2].Estimates, 1)
	assert.Empty(t, results[3].Estimates)
	assert.True(t, results[3].TimedOut)
}
