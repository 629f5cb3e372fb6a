package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc/status"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	grpctransport "github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/transport/grpc"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	faint  = color.New(color.FgHiBlack).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

func statusString(s domain.PlanStatus) string {
	switch s {
	case domain.PlanStatusConfirmed:
		return green(s.String())
	case domain.PlanStatusFailed:
		return red(s.String())
	case domain.PlanStatusAwaitingStrategySelection:
		return yellow(s.String())
	default:
		return cyan(s.String())
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSuccess(msg string) {
	fmt.Printf("%s %s\n", green("✓"), msg)
}

func printError(err error) {
	msg := err.Error()
	if st, ok := status.FromError(err); ok {
		msg = fmt.Sprintf("%s: %s", st.Code(), st.Message())
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), msg)
}

func printField(name string, value any) {
	fmt.Printf("  %-12s %v\n", name+":", value)
}

func printPlan(p *domain.PlanSnapshot) {
	fmt.Printf("%s %s\n", bold("Plan"), p.ID)
	printField("request", p.RequestID)
	printField("status", statusString(p.Status))
	printField("motor", fmt.Sprintf("%s (%gkW, %s → %s)", p.Request.Motor.MotorID, p.Request.Motor.PowerKW,
		p.Request.Motor.CurrentEfficiency, p.Request.Motor.TargetEfficiency))
	if p.WorkflowType != "" {
		printField("workflow", fmt.Sprintf("%s, %d steps", p.WorkflowType, len(p.Steps)))
	}
	if p.FailureReason != "" {
		printField("reason", red(p.FailureReason))
	}

	if len(p.Strategies) > 0 {
		fmt.Printf("\n%s\n", bold("Strategies"))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tNAME\tCOST\tDURATION\tQUALITY\tCO2 KG\t")
		for _, s := range p.Strategies {
			marker := " "
			if s.ID == p.SelectedStrategyID {
				marker = green("*")
			}
			fmt.Fprintf(w, "%s %s\t%s\t%.2f\t%s\t%.2f\t%.1f\t\n", marker, s.ID, s.Name,
				s.Metrics.TotalCost, s.Metrics.TotalDuration, s.Metrics.Quality, s.Metrics.TotalEmissions)
		}
		w.Flush()
	}

	if len(p.Slots) > 0 {
		fmt.Printf("\n%s\n", bold("Slots"))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  STEP\tPROVIDER\tSTART\tEND\tWORKING\t")
		for _, s := range p.Slots {
			fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\t\n", s.StepNumber, s.ProviderID,
				s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339), s.WorkingDuration())
		}
		w.Flush()
	}

	if len(p.History) > 0 {
		fmt.Printf("\n%s\n", bold("History"))
		for _, h := range p.History {
			line := fmt.Sprintf("  %s  %s", faint(h.At.Format(time.RFC3339)), statusString(h.To))
			if h.Reason != "" {
				line += " " + faint(h.Reason)
			}
			fmt.Println(line)
		}
	}
}

func printPlanTable(plans []domain.PlanSnapshot) {
	if len(plans) == 0 {
		fmt.Println(faint("no plans"))
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REQUEST\tSTATUS\tCUSTOMER\tMOTOR\tWORKFLOW\tUPDATED\t")
	for _, p := range plans {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t\n", p.RequestID, statusString(p.Status), p.Request.CustomerID,
			p.Request.Motor.MotorID, p.WorkflowType, p.UpdatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func printEvent(ev grpctransport.PlanEvent) {
	line := fmt.Sprintf("%s  %-36s %s", faint(ev.Timestamp.Format(time.TimeOnly)), ev.RequestID, statusString(ev.Status))
	if ev.Reason != "" {
		line += " " + red(ev.Reason)
	}
	fmt.Println(line)
	for _, s := range ev.Strategies {
		names := make([]string, 0, len(s.Choices))
		for _, c := range s.Choices {
			names = append(names, c.ProviderName)
		}
		fmt.Printf("    %s %-18s %10.2f  %s\n", cyan(s.ID), s.Name, s.Metrics.TotalCost, faint(strings.Join(names, ", ")))
	}
}
