package e2e

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/endpoint"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/web"
)

// TestInvalidRequestPersistsNothing checks that a malformed request is
// rejected before any plan exists.
func TestInvalidRequestPersistsNothing(t *testing.T) {
	ctx := context.Background()
	env := NewTestEnv(t)

	cmd := UpgradeCommand("req-invalid")
	cmd.Request.Motor.PowerKW = 0
	_, err := env.Client.SubmitPlan(ctx, cmd)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}

	_, err = env.Client.GetPlan(ctx, endpoint.GetPlanRequest{RequestID: "req-invalid"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
	if code := env.GetJSON("/api/plans/req-invalid", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 from the ops API, got %d", code)
	}
}

// TestDowngradeFailsPlan submits a target class below the current one.
func TestDowngradeFailsPlan(t *testing.T) {
	ctx := context.Background()
	env := NewTestEnv(t)

	cmd := UpgradeCommand("req-down")
	cmd.Request.Motor.CurrentEfficiency = domain.EfficiencyIE4
	cmd.Request.Motor.TargetEfficiency = domain.EfficiencyIE2
	resp, err := env.Client.SubmitPlan(ctx, cmd)
	if err != nil {
		t.Fatalf("submit should return the failed plan, got %v", err)
	}
	if resp.PlanID == "" {
		t.Fatal("expected a plan id")
	}

	plan := env.WaitForStatus(ctx, "req-down", domain.PlanStatusFailed, 5*time.Second)
	if !strings.Contains(plan.FailureReason, "below current class") {
		t.Errorf("unexpected failure reason %q", plan.FailureReason)
	}

	var timeline web.TimelineResponse
	env.GetJSON("/api/plans/req-down/timeline", &timeline)
	n := len(timeline.Entries)
	if n == 0 || timeline.Entries[n-1].To != domain.PlanStatusFailed {
		t.Fatalf("timeline does not end in FAILED: %+v", timeline.Entries)
	}
	if timeline.Entries[n-1].From != domain.PlanStatusMatchingWorkflow {
		t.Errorf("expected failure from MATCHING_WORKFLOW, got %s", timeline.Entries[n-1].From)
	}
}

// TestSelectionErrors covers an unknown strategy, a repeated selection and
// a selection after confirmation.
func TestSelectionErrors(t *testing.T) {
	ctx := context.Background()
	env := NewTestEnv(t)

	if _, err := env.Client.SubmitPlan(ctx, UpgradeCommand("req-sel")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	plan := env.WaitForStatus(ctx, "req-sel", domain.PlanStatusAwaitingStrategySelection, 10*time.Second)

	_, err := env.Client.SelectStrategy(ctx, messaging.SelectStrategyCommand{
		CommandID: "sel-unknown", RequestID: "req-sel", SelectedStrategyID: "no-such-strategy",
	})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for an unknown strategy, got %v", err)
	}

	fastest := strategyFor(plan, domain.PriorityFastestDelivery)
	sel := messaging.SelectStrategyCommand{CommandID: "sel-1", RequestID: "req-sel", SelectedStrategyID: fastest.ID}
	first, err := env.Client.SelectStrategy(ctx, sel)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	again, err := env.Client.SelectStrategy(ctx, sel)
	if err != nil {
		t.Fatalf("repeated select should be a no-op, got %v", err)
	}
	if again.Status != domain.PlanStatusConfirmed || len(again.Slots) != len(first.Slots) {
		t.Errorf("repeated select changed the plan: %s, %d slots", again.Status, len(again.Slots))
	}

	other := strategyFor(plan, domain.PriorityLowestCost)
	_, err = env.Client.SelectStrategy(ctx, messaging.SelectStrategyCommand{
		CommandID: "sel-2", RequestID: "req-sel", SelectedStrategyID: other.ID,
	})
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("expected FailedPrecondition after confirmation, got %v", err)
	}
}

// TestCancelWithoutEstimation cancels a request with nothing in flight.
func TestCancelWithoutEstimation(t *testing.T) {
	env := NewTestEnv(t)
	err := env.Client.CancelEstimation(context.Background(), "req-missing")
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("expected FailedPrecondition, got %v", err)
	}
}
