package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

// JobInput is the workflow input of a durable job
type JobInput struct {
	RunID string
	Job   string // JSON-encoded types.Job
}

// JobOutcome is the workflow output of a durable job
type JobOutcome struct {
	Result string // JSON-encoded result, empty on failure
	Error  string
}

// Durable executes jobs as DBOS workflows so each step (worktree, agent,
// commit, merge request) is checkpointed in Postgres. A daemon restarted
// mid-job recovers the workflow on launch, resumes from the last completed
// step and reports the run's outcome itself.
type Durable struct {
	daemon  *Daemon
	dbosCtx dbos.DBOSContext

	// Live log buffers by run id; workflows receive only serializable input
	mu   sync.Mutex
	logs map[string]*logBuffer
}

// EnableDurable switches the daemon to durable execution. The workflow is
// registered on dbosCtx, which must not be launched yet.
func (d *Daemon) EnableDurable(dbosCtx dbos.DBOSContext) *Durable {
	dur := &Durable{
		daemon:  d,
		dbosCtx: dbosCtx,
		logs:    make(map[string]*logBuffer),
	}
	dbos.RegisterWorkflow(dbosCtx, dur.JobWorkflow)
	d.execute = dur.execute
	return dur
}

// OpenDurable creates, configures and launches a DBOS context for the
// daemon. The returned shutdown function stops the DBOS runtime.
func OpenDurable(ctx context.Context, d *Daemon, databaseURL string) (*Durable, func(), error) {
	dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
		AppName:     "taskwatch-daemon",
		DatabaseURL: databaseURL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing DBOS: %w", err)
	}

	dur := d.EnableDurable(dbosCtx)

	if err := dbos.Launch(dbosCtx); err != nil {
		return nil, nil, fmt.Errorf("launching DBOS: %w", err)
	}
	shutdown := func() {
		dbos.Shutdown(dbosCtx, 5*time.Second)
	}
	return dur, shutdown, nil
}

// execute runs the job workflow, keyed by run id, and waits for its outcome
func (dur *Durable) execute(ctx context.Context, job *types.Job, logs *logBuffer) (any, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encoding job: %w", err)
	}

	dur.mu.Lock()
	dur.logs[job.ID] = logs
	dur.mu.Unlock()
	defer func() {
		dur.mu.Lock()
		delete(dur.logs, job.ID)
		dur.mu.Unlock()
	}()

	handle, err := dbos.RunWorkflow(dur.dbosCtx, dur.JobWorkflow, JobInput{RunID: job.ID, Job: string(data)},
		dbos.WithWorkflowID(job.ID))
	if err != nil {
		return nil, fmt.Errorf("starting job workflow: %w", err)
	}
	outcome, err := handle.GetResult()
	if err != nil {
		return nil, fmt.Errorf("job workflow: %w", err)
	}
	if outcome.Error != "" {
		return nil, errors.New(outcome.Error)
	}
	return json.RawMessage(outcome.Result), nil
}

// JobWorkflow is the DBOS workflow running one job. Execution errors are
// returned in the outcome so the workflow itself completes and is not
// retried on recovery.
func (dur *Durable) JobWorkflow(ctx dbos.DBOSContext, in JobInput) (JobOutcome, error) {
	return dur.runJob(ctx, dbosSteps{ctx: ctx}, in), nil
}

// runJob executes the job in a workflow. A workflow recovered after a
// restart has no waiting caller, so it renews the run's lease itself and
// reports the outcome to the orchestrator when it ends.
func (dur *Durable) runJob(ctx context.Context, steps stepRunner, in JobInput) JobOutcome {
	d := dur.daemon
	logs, live := dur.logBuffer(in.RunID)

	var (
		outcome JobOutcome
		result  any
		execErr error
	)
	if !live {
		d.logger.Info("resuming interrupted job", "run", in.RunID)
		logs.Printf("Resuming job after daemon restart")
		stop := d.streamProgress(ctx, in.RunID, logs)
		defer func() {
			stop()
			if err := d.finish(ctx, in.RunID, result, execErr, logs); err != nil {
				d.logger.Warn("reporting resumed job failed", "run", in.RunID, "error", err)
			}
		}()
	}

	var job types.Job
	if err := json.Unmarshal([]byte(in.Job), &job); err != nil {
		execErr = fmt.Errorf("decoding job: %w", err)
		outcome.Error = execErr.Error()
		return outcome
	}

	result, execErr = d.run(ctx, steps, &job, logs)
	if execErr != nil {
		outcome.Error = execErr.Error()
		return outcome
	}
	data, err := json.Marshal(result)
	if err != nil {
		execErr = fmt.Errorf("encoding result: %w", err)
		outcome.Error = execErr.Error()
		return outcome
	}
	result = json.RawMessage(data)
	outcome.Result = string(data)
	return outcome
}

// logBuffer returns the live buffer of a run and true, or a fresh buffer and
// false when the workflow is being recovered without a waiting caller
func (dur *Durable) logBuffer(runID string) (*logBuffer, bool) {
	dur.mu.Lock()
	defer dur.mu.Unlock()
	if b, ok := dur.logs[runID]; ok {
		return b, true
	}
	return newLogBuffer(), false
}

// dbosSteps checkpoints each step in the workflow
type dbosSteps struct {
	ctx dbos.DBOSContext
}

func (s dbosSteps) step(_ context.Context, _ string, fn func(context.Context) (string, error)) (string, error) {
	return dbos.RunAsStep(s.ctx, func(stepCtx context.Context) (string, error) {
		return fn(stepCtx)
	}, dbos.WithStepMaxRetries(3))
}
