package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/endpoint"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	grpctransport "github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/transport/grpc"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/pkg/id"
)

var submitFlags struct {
	requestID    string
	customerID   string
	motorID      string
	motorType    string
	powerKW      float64
	axisHeightMM int
	current      string
	target       string
	malfunction  string
	maxBudget    float64
	deadline     string
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a motor for optimization",
	Long: `Submit a motor for optimization. The request id defaults to a fresh UUID;
resubmitting the same id returns the existing plan.

EXAMPLES:
  optctl submit --customer acme --motor-id m-17 --power-kw 15 --axis-height 160 \
    --current IE2 --target IE4 --max-budget 8000 --deadline 2026-12-01`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f := submitFlags
		if f.requestID == "" {
			f.requestID = id.Generate()
		}
		req := domain.OptimizationRequest{
			CustomerID: f.customerID,
			Motor: domain.MotorSpecifications{
				MotorID:                f.motorID,
				MotorType:              f.motorType,
				PowerKW:                f.powerKW,
				AxisHeightMM:           f.axisHeightMM,
				CurrentEfficiency:      domain.EfficiencyClass(strings.ToUpper(f.current)),
				TargetEfficiency:       domain.EfficiencyClass(strings.ToUpper(f.target)),
				MalfunctionDescription: f.malfunction,
			},
			Constraints: domain.Constraints{MaxBudget: f.maxBudget},
		}
		if f.deadline != "" {
			d, err := parseDeadline(f.deadline)
			if err != nil {
				return err
			}
			req.Constraints.Deadline = &d
		}

		return withClient(cmd, func(ctx context.Context, c *grpctransport.Client) error {
			resp, err := c.SubmitPlan(ctx, messaging.RequestOptimizationPlanCommand{
				CommandID: id.Generate(),
				RequestID: f.requestID,
				Request:   req,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resp)
			}
			printSuccess(fmt.Sprintf("submitted request %s", resp.RequestID))
			printField("plan", resp.PlanID)
			printField("status", statusString(resp.Status))
			return nil
		})
	},
}

func parseDeadline(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("deadline %q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

var getByPlanID bool

var getCmd = &cobra.Command{
	Use:   "get <request-id>",
	Short: "Show a plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := endpoint.GetPlanRequest{RequestID: args[0]}
		if getByPlanID {
			req = endpoint.GetPlanRequest{PlanID: args[0]}
		}
		return withClient(cmd, func(ctx context.Context, c *grpctransport.Client) error {
			plan, err := c.GetPlan(ctx, req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(plan)
			}
			printPlan(plan)
			return nil
		})
	},
}

var listFlags struct {
	statuses   []string
	customerID string
	limit      int
	offset     int
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req := endpoint.ListPlansRequest{
			CustomerID: listFlags.customerID,
			Limit:      listFlags.limit,
			Offset:     listFlags.offset,
		}
		for _, s := range listFlags.statuses {
			st, err := domain.ParsePlanStatus(strings.ToUpper(s))
			if err != nil {
				return err
			}
			req.Statuses = append(req.Statuses, st)
		}
		return withClient(cmd, func(ctx context.Context, c *grpctransport.Client) error {
			plans, err := c.ListPlans(ctx, req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(plans)
			}
			printPlanTable(plans)
			return nil
		})
	},
}

var selectCmd = &cobra.Command{
	Use:   "select <request-id> <strategy-id>",
	Short: "Select a strategy and book provider capacity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *grpctransport.Client) error {
			plan, err := c.SelectStrategy(ctx, messaging.SelectStrategyCommand{
				CommandID:          id.Generate(),
				RequestID:          args[0],
				SelectedStrategyID: args[1],
				SelectedAt:         time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(plan)
			}
			printPlan(plan)
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Stop waiting for estimates",
	Long: `Stop waiting for provider estimates. Steps resolve with the estimates that
already arrived; a step without any fails the plan.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *grpctransport.Client) error {
			if err := c.CancelEstimation(ctx, args[0]); err != nil {
				return err
			}
			printSuccess("estimation cancelled for " + args[0])
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [request-id]",
	Short: "Follow saga events",
	Long: `Follow saga events. With a request id the command exits after the plan
is confirmed or failed; without one it follows every plan until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requestID := ""
		if len(args) == 1 {
			requestID = args[0]
		}
		c, err := grpctransport.Dial(serverAddr)
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", serverAddr, err)
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		err = c.WatchPlan(ctx, requestID, func(ev grpctransport.PlanEvent) error {
			if jsonOutput {
				return printJSON(ev)
			}
			printEvent(ev)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitFlags.requestID, "request-id", "", "request id (default: generated)")
	f.StringVar(&submitFlags.customerID, "customer", "", "customer id")
	f.StringVar(&submitFlags.motorID, "motor-id", "", "motor id")
	f.StringVar(&submitFlags.motorType, "motor-type", "induction", "motor type")
	f.Float64Var(&submitFlags.powerKW, "power-kw", 0, "rated power in kW")
	f.IntVar(&submitFlags.axisHeightMM, "axis-height", 0, "axis height in mm")
	f.StringVar(&submitFlags.current, "current", "", "current efficiency class (IE1-IE4)")
	f.StringVar(&submitFlags.target, "target", "", "target efficiency class (IE1-IE4)")
	f.StringVar(&submitFlags.malfunction, "malfunction", "", "malfunction description")
	f.Float64Var(&submitFlags.maxBudget, "max-budget", 0, "maximum budget")
	f.StringVar(&submitFlags.deadline, "deadline", "", "deadline (RFC 3339 or YYYY-MM-DD)")
	_ = submitCmd.MarkFlagRequired("customer")
	_ = submitCmd.MarkFlagRequired("motor-id")
	_ = submitCmd.MarkFlagRequired("current")
	_ = submitCmd.MarkFlagRequired("target")

	getCmd.Flags().BoolVar(&getByPlanID, "plan-id", false, "treat the argument as a plan id")

	lf := listCmd.Flags()
	lf.StringSliceVar(&listFlags.statuses, "status", nil, "filter by status (repeatable, e.g. FAILED)")
	lf.StringVar(&listFlags.customerID, "customer", "", "filter by customer id")
	lf.IntVar(&listFlags.limit, "limit", 20, "maximum plans to return")
	lf.IntVar(&listFlags.offset, "offset", 0, "plans to skip")
}
