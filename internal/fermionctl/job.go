package fermionctl

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/fermionq/fermion/internal/common"
	"github.com/fermionq/fermion/pkg/client"
	"github.com/fermionq/fermion/pkg/client/domain"
)

// Status prints the current status of a job.
func (a *App) Status(jobID string) error {
	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()

	job, err := a.client().Job(ctx, jobID)
	if err != nil {
		return err
	}
	status, err := job.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s\t%s\n", job.ID(), status)
	return nil
}

// Result waits for a job to finish and prints its result payload.
func (a *App) Result(jobID string, timeout time.Duration) error {
	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()

	job, err := a.client().Job(ctx, jobID)
	if err != nil {
		return err
	}
	return a.waitAndPrintResult(job, timeout)
}

// Cancel requests cancellation of a job.
func (a *App) Cancel(jobID string) error {
	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()

	job, err := a.client().Job(ctx, jobID)
	if err != nil {
		return err
	}
	if err := job.Cancel(ctx); err != nil {
		return errors.Wrapf(err, "error cancelling job %s", jobID)
	}
	fmt.Fprintf(a.Out, "Requested cancellation of job %s\n", jobID)
	return nil
}

// Delete purges a job server-side.
func (a *App) Delete(jobID string) error {
	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()

	if err := a.client().DeleteJob(ctx, jobID); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Deleted job %s\n", jobID)
	return nil
}

// Watch streams interim and final results of a job to the output until the
// job reaches a terminal state.
func (a *App) Watch(jobID string, timeout time.Duration) error {
	lookupCtx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()

	job, err := a.client().Job(lookupCtx, jobID)
	if err != nil {
		return err
	}

	err = job.StreamResults(func(jobID string, msg *domain.StreamMessage) {
		fmt.Fprintf(a.Out, "%s\t%s\n", jobID, string(msg.Payload))
	})
	if err != nil {
		return err
	}

	status, err := job.WaitForFinalState(context.Background(), timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Job %s finished with status %s\n", job.ID(), status)
	return nil
}

func (a *App) waitAndPrintResult(job *client.Job, timeout time.Duration) error {
	payload, err := job.Result(context.Background(), timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s\n", string(payload))
	return nil
}
