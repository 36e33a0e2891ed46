package comfy

import (
	"context"
	"fmt"
	"time"

	"sakuga/internal/logging"
	"sakuga/internal/services"
)

// WaitResult carries the terminal outcome of a monitored job.
type WaitResult struct {
	Status  JobStatus
	Outputs []string
	Elapsed time.Duration
}

// WaitForCompletion polls a submitted job until it completes, fails, or is
// declared stuck. A job that reports no state change for the configured
// stuck window while off the queue is marked failed. The overall deadline
// comes from ctx; callers set it per request.
func (c *Client) WaitForCompletion(ctx context.Context, jobID string) (WaitResult, error) {
	start := time.Now()
	lastChange := start
	lastStatus := JobStatus("")

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.PollStatus(ctx, jobID)
		if err != nil {
			return WaitResult{}, err
		}

		if status != lastStatus {
			lastStatus = status
			lastChange = time.Now()
			c.logger.Debug("job status changed",
				logging.String("job_id", jobID),
				logging.String("status", string(status)))
		}

		switch status {
		case StatusCompleted:
			outputs, err := c.FetchOutputs(ctx, jobID)
			if err != nil {
				return WaitResult{}, err
			}
			return WaitResult{Status: StatusCompleted, Outputs: outputs, Elapsed: time.Since(start)}, nil
		case StatusFailed:
			return WaitResult{Status: StatusFailed, Elapsed: time.Since(start)},
				services.Wrap(services.ErrExternalTool, "comfy", "wait",
					fmt.Sprintf("job %s failed on backend", jobID), nil)
		case StatusRunning:
			if time.Since(lastChange) >= c.stuckAfter {
				return WaitResult{Status: StatusFailed, Elapsed: time.Since(start)},
					services.Wrap(services.ErrIntegrity, "comfy", "wait",
						fmt.Sprintf("job %s stuck: no progress for %s", jobID, c.stuckAfter), nil)
			}
		}

		select {
		case <-ctx.Done():
			return WaitResult{}, services.Wrap(services.ErrTransient, "comfy", "wait",
				fmt.Sprintf("job %s wait cancelled", jobID), ctx.Err())
		case <-ticker.C:
		}
	}
}
