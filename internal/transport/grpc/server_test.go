package grpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/endpoint"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage"
)

// fakeService keeps plans in memory and fails selections on demand.
type fakeService struct {
	mu        sync.Mutex
	plans     map[string]*domain.OptimizationPlan
	selectErr error
	selected  []string
}

func (f *fakeService) Submit(_ context.Context, cmd messaging.RequestOptimizationPlanCommand) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := domain.NewOptimizationPlan("plan-"+cmd.RequestID, cmd.RequestID, cmd.Request)
	p.MarkApplied(cmd.CommandID)
	f.plans[cmd.RequestID] = p
	return p.ID, nil
}

func (f *fakeService) GetPlan(ctx context.Context, planID string) (*domain.OptimizationPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.plans {
		if p.ID == planID {
			return p, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeService) GetPlanByRequest(_ context.Context, requestID string) (*domain.OptimizationPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.plans[requestID]; ok {
		return p, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeService) ListPlans(_ context.Context, opts storage.ListOptions) ([]*domain.OptimizationPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.OptimizationPlan
	for _, p := range f.plans {
		if opts.CustomerID == "" || p.Request.CustomerID == opts.CustomerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeService) SelectStrategy(_ context.Context, cmd messaging.SelectStrategyCommand) (*domain.OptimizationPlan, error) {
	f.mu.Lock()
	f.selected = append(f.selected, cmd.CommandID)
	f.mu.Unlock()
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	return f.GetPlanByRequest(context.Background(), cmd.RequestID)
}

func (f *fakeService) CancelEstimation(requestID string) error {
	if _, err := f.GetPlanByRequest(context.Background(), requestID); err != nil {
		return err
	}
	return nil
}

type testEnv struct {
	svc    *fakeService
	ch     *messaging.MemoryChannel
	events *EventBroadcaster
	client *Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	svc := &fakeService{plans: make(map[string]*domain.OptimizationPlan)}
	ch := messaging.NewMemoryChannel()
	t.Cleanup(func() { ch.Close() })

	events := NewEventBroadcaster(nil)
	require.NoError(t, events.Start(context.Background(), ch, "watch-test"))

	srv := NewServer(endpoint.MakeEndpoints(svc), WithEventBroadcaster(events))
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.GracefulStop)

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &testEnv{svc: svc, ch: ch, events: events, client: client}
}

func sampleCommand(requestID string) messaging.RequestOptimizationPlanCommand {
	deadline := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	return messaging.RequestOptimizationPlanCommand{
		RequestID: requestID,
		Request: domain.OptimizationRequest{
			CustomerID: "cust-7",
			Motor: domain.MotorSpecifications{
				MotorID:           "m-7",
				PowerKW:           15,
				AxisHeightMM:      180,
				CurrentEfficiency: domain.EfficiencyIE1,
				TargetEfficiency:  domain.EfficiencyIE3,
			},
			Constraints: domain.Constraints{MaxBudget: 5000, Deadline: &deadline},
		},
	}
}

func TestSubmitAndGetPlan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.client.SubmitPlan(ctx, sampleCommand("req-1"))
	require.NoError(t, err)
	assert.Equal(t, "plan-req-1", resp.PlanID)
	assert.Equal(t, domain.PlanStatusDraft, resp.Status)

	stored, _ := env.svc.GetPlanByRequest(ctx, "req-1")
	assert.Len(t, stored.AppliedCommands, 1, "the server assigns a command id")

	plan, err := env.client.GetPlan(ctx, endpoint.GetPlanRequest{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "plan-req-1", plan.ID)
	assert.Equal(t, 15.0, plan.Request.Motor.PowerKW)
	require.NotNil(t, plan.Request.Constraints.Deadline)
	assert.True(t, plan.Request.Constraints.Deadline.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))

	plans, err := env.client.ListPlans(ctx, endpoint.ListPlansRequest{CustomerID: "cust-7"})
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.GetPlan(ctx, endpoint.GetPlanRequest{RequestID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	bad := sampleCommand("req-bad")
	bad.Request.Motor.MotorID = ""
	_, err = env.client.SubmitPlan(ctx, bad)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = env.client.SubmitPlan(ctx, sampleCommand("req-2"))
	require.NoError(t, err)
	env.svc.selectErr = &domain.FatalError{RequestID: "req-2", Reason: "conflict",
		Err: &domain.SchedulingConflictError{ProviderID: "p1"}}
	_, err = env.client.SelectStrategy(ctx, messaging.SelectStrategyCommand{RequestID: "req-2", SelectedStrategyID: "s1"})
	assert.Equal(t, codes.Aborted, status.Code(err))

	assert.Equal(t, codes.NotFound, status.Code(env.client.CancelEstimation(ctx, "missing")))
	assert.NoError(t, env.client.CancelEstimation(ctx, "req-2"))
}

func TestSelectStrategyRetryKeepsCommandID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.client.SubmitPlan(ctx, sampleCommand("req-sel"))
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cmd := messaging.SelectStrategyCommand{RequestID: "req-sel", SelectedStrategyID: "s1", SelectedAt: at}
	for i := 0; i < 2; i++ {
		_, err = env.client.SelectStrategy(ctx, cmd)
		require.NoError(t, err)
	}
	other := cmd
	other.SelectedStrategyID = "s2"
	_, err = env.client.SelectStrategy(ctx, other)
	require.NoError(t, err)
	given := cmd
	given.CommandID = "client-command"
	_, err = env.client.SelectStrategy(ctx, given)
	require.NoError(t, err)

	env.svc.mu.Lock()
	defer env.svc.mu.Unlock()
	require.Len(t, env.svc.selected, 4)
	assert.NotEmpty(t, env.svc.selected[0])
	assert.Equal(t, env.svc.selected[0], env.svc.selected[1], "a retried selection must carry the same command id")
	assert.NotEqual(t, env.svc.selected[0], env.svc.selected[2])
	assert.Equal(t, "client-command", env.svc.selected[3])
}

func TestWatchPlanEndsOnTerminalEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu     sync.Mutex
		events []PlanEvent
	)
	done := make(chan error, 1)
	go func() {
		done <- env.client.WatchPlan(ctx, "req-w", func(ev PlanEvent) error {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			return nil
		})
	}()

	// The stream must be registered before events are published.
	require.Eventually(t, func() bool {
		return env.events.SubscriberCount("req-w") > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, messaging.PublishPayload(ctx, env.ch, messaging.SubjectStrategiesReady, messaging.KindStrategiesReady, "req-other",
		messaging.StrategiesReadyEvent{RequestID: "req-other", PlanID: "p-other"}))
	require.NoError(t, messaging.PublishPayload(ctx, env.ch, messaging.SubjectStrategiesReady, messaging.KindStrategiesReady, "req-w",
		messaging.StrategiesReadyEvent{RequestID: "req-w", PlanID: "p-w", Strategies: []domain.Strategy{{ID: "s1", Name: "Lowest Cost"}}}))
	require.NoError(t, env.ch.Flush(ctx))
	require.NoError(t, messaging.PublishPayload(ctx, env.ch, messaging.SubjectPlanFailed, messaging.KindPlanFailed, "req-w",
		messaging.PlanFailedEvent{RequestID: "req-w", PlanID: "p-w", LastStatus: domain.PlanStatusAwaitingStrategySelection, Reason: "no strategy selected within 72h0m0s"}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("watch stream did not end")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, domain.PlanStatusAwaitingStrategySelection, events[0].Status)
	require.Len(t, events[0].Strategies, 1)
	assert.Equal(t, "s1", events[0].Strategies[0].ID)
	assert.Equal(t, domain.PlanStatusFailed, events[1].Status)
	assert.Contains(t, events[1].Reason, "no strategy selected")
}
