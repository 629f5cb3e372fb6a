package e2e

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/directory"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/endpoint"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/estimate"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/observability"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/providersim"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/scheduler"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/service"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage/sqlite"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/strategy"
	grpctransport "github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/transport/grpc"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/web"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/workflow"
)

// declinedProvider fails validation in every environment.
const declinedProvider = "green-workshop"

// TestEnv runs the whole engine in process: storage-backed registry with
// channel validation, the saga, the gRPC API and the ops HTTP server.
type TestEnv struct {
	Storage      *sqlite.SQLiteStorage
	Channel      *messaging.MemoryChannel
	Registry     *directory.Registry
	Simulator    *providersim.Simulator
	Orchestrator *service.Orchestrator
	Metrics      *observability.Metrics
	Events       *grpctransport.EventBroadcaster
	Client       *grpctransport.Client
	HTTP         *httptest.Server

	t       *testing.T
	cleanup []func()
	once    sync.Once
}

// NewTestEnv creates and starts a test environment with the built-in fleet.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	ctx := context.Background()
	env := &TestEnv{t: t, Metrics: observability.NewMetrics()}

	store, err := sqlite.New(filepath.Join(t.TempDir(), "e2e.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	env.Storage = store
	env.onStop(func() { store.Close() })

	env.Channel = messaging.NewMemoryChannel(messaging.WithRedeliveryDelay(10 * time.Millisecond))
	env.onStop(func() { env.Channel.Close() })

	fleet := providersim.DefaultFleet()
	env.Simulator = providersim.New(env.Channel, fleet, providersim.WithVerdict(func(p domain.ProviderSnapshot) (bool, string) {
		if p.ID == declinedProvider {
			return false, "certification expired"
		}
		return true, ""
	}))
	if err := env.Simulator.Start(ctx, "sim"); err != nil {
		t.Fatalf("failed to start simulator: %v", err)
	}
	env.onStop(func() { _ = env.Simulator.Stop() })

	requester, err := messaging.NewRequester(ctx, env.Channel, messaging.SubjectValidateReply, "e2e-validation-replies")
	if err != nil {
		t.Fatalf("failed to create requester: %v", err)
	}
	env.onStop(func() { _ = requester.Close() })
	env.Registry = directory.NewRegistry(store, directory.WithValidator(directory.NewChannelValidator(requester), 2*time.Second))
	for _, p := range fleet {
		if _, err := env.Registry.Register(ctx, p.Snapshot); err != nil {
			t.Fatalf("failed to register %s: %v", p.Snapshot.ID, err)
		}
	}

	resolver, err := workflow.NewResolver()
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	generator, err := strategy.NewGenerator(nil)
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}

	settings := service.DefaultSettings()
	settings.EstimationTimeout = 2 * time.Second
	settings.SelectionTimeout = time.Hour
	settings.ConsumerPrefix = "e2e"
	orch, err := service.New(service.Deps{
		Storage:    store,
		Directory:  env.Registry,
		Resolver:   resolver,
		Aggregator: estimate.NewAggregator(env.Channel, estimate.WithMetrics(env.Metrics)),
		Generator:  generator,
		Scheduler:  scheduler.New(store, scheduler.WithMetrics(env.Metrics)),
		Channel:    env.Channel,
	}, settings, service.WithMetrics(env.Metrics))
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("failed to start orchestrator: %v", err)
	}
	env.Orchestrator = orch
	env.onStop(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			t.Errorf("orchestrator shutdown: %v", err)
		}
	})

	events := grpctransport.NewEventBroadcaster(nil)
	if err := events.Start(ctx, env.Channel, "e2e-watch"); err != nil {
		t.Fatalf("failed to start event broadcaster: %v", err)
	}
	env.Events = events
	env.onStop(func() { _ = events.Stop() })

	grpcServer := grpctransport.NewServer(endpoint.MakeEndpoints(orch), grpctransport.WithEventBroadcaster(events))
	lis := bufconn.Listen(1 << 20)
	go func() { _ = grpcServer.Serve(lis) }()
	env.onStop(grpcServer.GracefulStop)

	client, err := grpctransport.Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	env.Client = client
	env.onStop(func() { client.Close() })

	env.HTTP = httptest.NewServer(web.NewServer(":0", orch, web.WithMetrics(env.Metrics)).Handler())
	env.onStop(env.HTTP.Close)

	t.Cleanup(env.Stop)
	return env
}

func (e *TestEnv) onStop(fn func()) {
	e.cleanup = append(e.cleanup, fn)
}

// Stop tears the environment down in reverse start order.
func (e *TestEnv) Stop() {
	e.once.Do(func() {
		for i := len(e.cleanup) - 1; i >= 0; i-- {
			e.cleanup[i]()
		}
	})
}

// WaitForStatus polls the gRPC API until the plan reaches status.
func (e *TestEnv) WaitForStatus(ctx context.Context, requestID string, status domain.PlanStatus, timeout time.Duration) *domain.PlanSnapshot {
	e.t.Helper()
	deadline := time.Now().Add(timeout)
	var last *domain.PlanSnapshot
	for time.Now().Before(deadline) {
		plan, err := e.Client.GetPlan(ctx, endpoint.GetPlanRequest{RequestID: requestID})
		if err == nil {
			last = plan
			if plan.Status == status {
				return plan
			}
			if plan.Status.IsTerminal() {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if last == nil {
		e.t.Fatalf("plan for %s never appeared", requestID)
	}
	e.t.Fatalf("plan %s: expected %s, got %s (%s)", requestID, status, last.Status, last.FailureReason)
	return nil
}

// GetJSON fetches path from the ops server and decodes the body into v.
func (e *TestEnv) GetJSON(path string, v any) int {
	e.t.Helper()
	resp, err := http.Get(e.HTTP.URL + path)
	if err != nil {
		e.t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			e.t.Fatalf("decoding %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// UpgradeCommand is a 15 kW IE2 motor to be brought to IE4.
func UpgradeCommand(requestID string) messaging.RequestOptimizationPlanCommand {
	return messaging.RequestOptimizationPlanCommand{
		CommandID: "submit-" + requestID,
		RequestID: requestID,
		Request: domain.OptimizationRequest{
			CustomerID: "acme",
			Motor: domain.MotorSpecifications{
				MotorID:           "motor-" + requestID,
				MotorType:         "induction",
				PowerKW:           15,
				AxisHeightMM:      160,
				CurrentEfficiency: domain.EfficiencyIE2,
				TargetEfficiency:  domain.EfficiencyIE4,
			},
		},
	}
}

func strategyFor(plan *domain.PlanSnapshot, p domain.OptimizationPriority) *domain.Strategy {
	for i := range plan.Strategies {
		if plan.Strategies[i].Priority == p {
			return &plan.Strategies[i]
		}
	}
	return nil
}
