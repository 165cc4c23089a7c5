package workflows

import (
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Signal names used by the visit workflow. Entered events reach the workflow
// through SignalWithStart; the re-enter signal gives a duplicate entered a
// harmless signal to carry, and the workflow never reads it.
const (
	ExitSignal    = "visit-exit"
	ReEnterSignal = "visit-reenter"
)

// VisitInput is the input for the visit workflow.
type VisitInput struct {
	Zone            string
	Key             string
	EnteredAt       time.Time
	DwellAlertAfter time.Duration // 0 disables the dwell alert
}

// ExitPayload rides the exit signal.
type ExitPayload struct {
	ExitedAt time.Time
}

// VisitWorkflowID keys one running workflow per (zone, key), which is what
// lets SignalWithStart deduplicate concurrent entered events.
func VisitWorkflowID(zone, key string) string {
	return "visit:" + zone + ":" + key
}

// VisitWorkflow tracks one contiguous presence of a key inside a zone: it
// records the visit, raises a dwell alert if the key overstays the zone's
// threshold, and closes the visit when the exit signal arrives.
func VisitWorkflow(ctx workflow.Context, input VisitInput) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Visit opened", "zone", input.Zone, "key", input.Key)

	actOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, actOpts)

	// The visit id is fixed before the first attempt so activity retries
	// stay idempotent.
	var visitID string
	if err := workflow.SideEffect(ctx, func(workflow.Context) interface{} {
		return uuid.NewString()
	}).Get(&visitID); err != nil {
		return err
	}

	if err := workflow.ExecuteActivity(ctx, "RecordVisitStart", visitID, input).Get(ctx, nil); err != nil {
		return err
	}

	exitCh := workflow.GetSignalChannel(ctx, ExitSignal)

	var exit ExitPayload
	exited := false

	if input.DwellAlertAfter > 0 {
		sel := workflow.NewSelector(ctx)
		sel.AddReceive(exitCh, func(c workflow.ReceiveChannel, more bool) {
			c.Receive(ctx, &exit)
			exited = true
		})
		sel.AddFuture(workflow.NewTimer(ctx, input.DwellAlertAfter), func(f workflow.Future) {})
		sel.Select(ctx)

		if !exited {
			// Overstayed. The alert is best-effort; the visit keeps running.
			if err := workflow.ExecuteActivity(ctx, "PublishDwellAlert", visitID, input).Get(ctx, nil); err != nil {
				logger.Warn("dwell alert failed", "error", err)
			}
		}
	}

	if !exited {
		exitCh.Receive(ctx, &exit)
	}
	if exit.ExitedAt.IsZero() {
		exit.ExitedAt = workflow.Now(ctx)
	}

	if err := workflow.ExecuteActivity(ctx, "RecordVisitEnd", input.Zone, input.Key, exit.ExitedAt).Get(ctx, nil); err != nil {
		return err
	}

	logger.Info("Visit closed", "zone", input.Zone, "key", input.Key,
		"dwell", exit.ExitedAt.Sub(input.EnteredAt).String())
	return nil
}
