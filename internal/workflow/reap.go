package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/jitaccess/internal/activity"
)

// ReapCron is the schedule for ReapExpiredGrantsWorkflow.
const ReapCron = "*/5 * * * *"

const reapBatchSize = 4

// ReapResult summarizes one run of ReapExpiredGrantsWorkflow.
type ReapResult struct {
	Expired int      `json:"expired"`
	Failed  []string `json:"failed,omitempty"`
}

// ReapExpiredGrantsWorkflow expires every grant past its expiry, at most
// reapBatchSize at a time. A grant whose revocation keeps failing stays
// granted and is retried by the next scheduled run.
func ReapExpiredGrantsWorkflow(ctx workflow.Context) (*ReapResult, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    1 * time.Second,
			MaximumInterval:    10 * time.Second,
			BackoffCoefficient: 2.0,
		},
	})
	logger := workflow.GetLogger(ctx)

	var due []activity.ExpiredGrant
	if err := workflow.ExecuteActivity(ctx, "ListExpiredGrants").Get(ctx, &due); err != nil {
		return nil, err
	}

	res := &ReapResult{}
	for start := 0; start < len(due); start += reapBatchSize {
		end := min(start+reapBatchSize, len(due))
		batch := due[start:end]

		futures := make([]workflow.Future, len(batch))
		for i, g := range batch {
			futures[i] = workflow.ExecuteActivity(ctx, "ExpireGrant", g.RequestID)
		}
		for i, f := range futures {
			var out activity.ExpireGrantResult
			if err := f.Get(ctx, &out); err != nil {
				logger.Error("grant expiry failed", "requestID", batch[i].RequestID, "error", err)
				res.Failed = append(res.Failed, batch[i].RequestID)
				continue
			}
			res.Expired++
		}
	}

	if len(due) > 0 {
		logger.Info("reap complete", "expired", res.Expired, "failed", len(res.Failed))
	}
	return res, nil
}
