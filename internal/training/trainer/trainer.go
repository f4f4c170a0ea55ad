// Package trainer runs one training attempt per wake-up: condition gate,
// checkin, eligibility, compute, report and callback, then hands the outcome
// back to the job manager.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"fedtrain/internal/compute"
	"fedtrain/internal/eventbus"
	"fedtrain/internal/protocol"
	"fedtrain/internal/training"
	"fedtrain/internal/training/callback"
	"fedtrain/internal/training/jobmanager"
	logx "fedtrain/pkg/logx"

	"github.com/google/uuid"
)

// defaultTokenTTL applies to auth tokens issued without an expiry.
const defaultTokenTTL = 24 * time.Hour

type Option func(*Trainer)

func WithClock(now func() time.Time) Option { return func(t *Trainer) { t.now = now } }

// Trainer allows one in-flight run per job id. Runs for different job ids
// proceed concurrently.
type Trainer struct {
	mu       sync.Mutex
	cfg      Config
	deps     Deps
	log      logx.Logger
	now      func() time.Time
	inflight map[int64]context.CancelFunc
	stopped  bool
	wg       sync.WaitGroup
}

func New(cfg Config, deps Deps, log logx.Logger, opts ...Option) *Trainer {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Trainer{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		log:      log.With(logx.String("comp", "trainer")),
		now:      time.Now,
		inflight: make(map[int64]context.CancelFunc),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Trainer) Apply(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg.withDefaults()
	t.mu.Unlock()
}

// Cancel interrupts the in-flight run for jobID. The run still releases its
// resources and reports a fail outcome, unless its contribution was already
// reported.
func (t *Trainer) Cancel(jobID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cancel, ok := t.inflight[jobID]
	if ok {
		cancel()
	}
	return ok
}

// InFlight returns the number of running attempts.
func (t *Trainer) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Stop refuses new runs, cancels running ones and waits for them until ctx
// expires.
func (t *Trainer) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.stopped = true
	for _, cancel := range t.inflight {
		cancel()
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Trainer) acquire(ctx context.Context, jobID int64) (context.Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil, ErrStopped
	}
	if _, busy := t.inflight[jobID]; busy {
		return nil, fmt.Errorf("%w: job %d", ErrRunInFlight, jobID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.inflight[jobID] = cancel
	t.wg.Add(1)
	return runCtx, nil
}

func (t *Trainer) releaseSlot(jobID int64) {
	t.mu.Lock()
	if cancel, ok := t.inflight[jobID]; ok {
		cancel()
		delete(t.inflight, jobID)
	}
	t.mu.Unlock()
	t.wg.Done()
}

// run carries the state of one attempt across stages.
type run struct {
	id      string
	jobID   int64
	task    *training.TrainingTask
	stage   Stage
	checkin *protocol.CheckinResponse
	session compute.Session
	source  compute.ExampleSource
	log     logx.Logger
}

func (r *run) enter(s Stage) {
	r.stage = s
	r.log.Debug("run stage", logx.String("stage", string(s)))
}

func (r *run) taskName() string {
	if r.checkin == nil {
		return ""
	}
	return r.checkin.Assignment.TaskName
}

// release closes bound resources. Safe to call more than once.
func (r *run) release() {
	if r.source != nil {
		if err := r.source.Close(); err != nil {
			r.log.Warn("example source close failed", logx.Err(err))
		}
		r.source = nil
	}
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			r.log.Warn("execution environment release failed", logx.Err(err))
		}
		r.session = nil
	}
}

// Run performs one training attempt for jobID. Only failures the caller
// should see are returned: checkin, compute and report errors, and storage
// errors at start or completion. A missing task, unmet device conditions and
// ineligibility return nil.
func (t *Trainer) Run(ctx context.Context, jobID int64) error {
	runCtx, err := t.acquire(ctx, jobID)
	if err != nil {
		return err
	}
	defer t.releaseSlot(jobID)

	t.mu.Lock()
	cfg := t.cfg
	t.mu.Unlock()

	started := t.now()
	r := &run{id: uuid.NewString(), jobID: jobID}
	r.log = t.log.With(logx.JobID(jobID), logx.String("run_id", r.id))
	r.enter(StageInit)

	task, err := t.deps.Jobs.OnTrainingStarted(runCtx, jobID)
	if errors.Is(err, jobmanager.ErrNoTask) {
		r.log.Debug("no stored task; nothing to run")
		t.publish(EventRunFinished, RunEvent{RunID: r.id, JobID: jobID, Outcome: OutcomeNoTask, Stage: StageInit})
		return nil
	}
	if err != nil {
		r.log.Warn("run start not recorded", logx.Err(err))
		return err
	}
	r.task = task
	r.log = r.log.With(logx.Population(task.PopulationName))
	t.publish(EventRunStarted, RunEvent{RunID: r.id, JobID: jobID, Population: task.PopulationName})

	var res training.ComputationResult
	var runErr error
	func() {
		defer r.release()
		res, runErr = t.execute(runCtx, cfg, r)
		// A reported contribution stands even if a cancel arrives afterwards.
		if runCtx.Err() != nil && res.Outcome != training.ContributionFail && res.Outcome != training.ContributionSuccess {
			res.Outcome = training.ContributionFail
			runErr = errors.Join(runErr, runCtx.Err())
		}
		t.notify(runCtx, r, res)
	}()

	final := StageDone
	if res.Outcome == training.ContributionFail {
		final = StageFailed
	}
	r.enter(final)

	// Completion must land even when the run itself was cancelled.
	doneCtx := context.WithoutCancel(runCtx)
	compErr := t.deps.Jobs.OnTrainingCompleted(doneCtx, jobmanager.Completion{
		JobID:          jobID,
		PopulationName: task.PopulationName,
		TaskName:       r.taskName(),
		Consumptions:   res.Consumptions,
		Result:         res.Outcome,
	})
	if compErr != nil {
		r.log.Warn("run completion not recorded", logx.Err(compErr))
	}

	took := t.now().Sub(started)
	ev := RunEvent{
		RunID:      r.id,
		JobID:      jobID,
		Population: task.PopulationName,
		TaskName:   r.taskName(),
		Outcome:    res.Outcome.String(),
		Stage:      r.stage,
		Duration:   took,
	}
	if runErr != nil {
		ev.Error = runErr.Error()
		r.log.Warn("training run failed", logx.String("outcome", ev.Outcome), logx.Duration("took", took), logx.Err(runErr))
	} else {
		r.log.Info("training run finished", logx.String("outcome", ev.Outcome), logx.Duration("took", took))
	}
	t.publish(EventRunFinished, ev)
	return errors.Join(runErr, compErr)
}

// execute walks the stages up to and including the history update. Bound
// resources are left on r for the caller to release.
func (t *Trainer) execute(ctx context.Context, cfg Config, r *run) (training.ComputationResult, error) {
	fail := func(err error) (training.ComputationResult, error) {
		r.log.Debug("run stage failed", logx.String("stage", string(r.stage)), logx.Err(err))
		return training.ComputationResult{Outcome: training.ContributionFail}, err
	}
	task := r.task

	r.enter(StageConditions)
	if t.deps.Gate != nil {
		if unmet := t.deps.Gate.Check(ctx, task.Constraints); len(unmet) > 0 {
			r.log.Info("device conditions not met", logx.Any("unmet", unmet))
			return training.ComputationResult{Outcome: training.ContributionDeviceConditions}, nil
		}
	}

	r.enter(StageCheckin)
	req := protocol.CheckinRequest{
		ServerAddress: task.ServerAddress,
		Population:    task.PopulationName,
		JobID:         task.JobID,
		Owner:         task.Owner,
		AuthToken:     t.cachedToken(ctx, task.Owner.PackageName),
		Context:       task.Context,
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.CheckinTimeout)
	resp, err := t.deps.Protocol.Checkin(cctx, req)
	cancel()
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrCheckin, err))
	}
	r.checkin = resp
	r.log = r.log.With(logx.String("task", resp.Assignment.TaskName))
	if resp.AuthToken != "" {
		exp := resp.AuthTokenExpiry
		if exp.IsZero() {
			exp = t.now().Add(defaultTokenTTL)
		}
		tok := training.AuthToken{Owner: task.Owner.PackageName, Token: resp.AuthToken, ExpiresAt: exp}
		if err := t.deps.Store.UpsertAuthToken(ctx, tok); err != nil {
			r.log.Warn("auth token not stored", logx.Err(err))
		}
	}

	r.enter(StageEligibility)
	ok, err := t.deps.Eligibility.ComputeEligibility(ctx, task.PopulationName, resp.Assignment.TaskName, task.JobID, resp.EligibilityPolicies)
	if err != nil {
		return fail(fmt.Errorf("eligibility: %w", err))
	}
	if !ok {
		r.log.Info("device not eligible for task")
		return training.ComputationResult{Outcome: training.ContributionNotEligible}, nil
	}

	r.enter(StageBind)
	if r.session, err = t.deps.Env.Bind(ctx); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrBind, err))
	}
	if r.source, err = t.deps.Examples.Open(ctx, task.PopulationName, resp.Assignment.TaskName); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrBind, err))
	}

	r.enter(StageCompute)
	if err := resp.Plan.Validate(); err != nil {
		return fail(err)
	}
	out, err := r.session.Run(ctx, resp.Plan, r.source)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrCompute, err))
	}
	ckpt, err := os.ReadFile(out.Checkpoint)
	if err != nil {
		return fail(fmt.Errorf("%w: read checkpoint: %w", ErrCompute, err))
	}

	r.enter(StageReport)
	rctx, cancel := context.WithTimeout(ctx, cfg.ReportTimeout)
	err = t.deps.Protocol.Report(rctx, protocol.ReportRequest{
		ServerAddress: task.ServerAddress,
		Population:    task.PopulationName,
		TaskName:      resp.Assignment.TaskName,
		AggregationID: resp.Assignment.AggregationID,
		Outcome:       training.ContributionSuccess.String(),
		Checkpoint:    ckpt,
		Consumptions:  out.Consumptions,
		AuthToken:     req.AuthToken,
	})
	cancel()
	if err != nil {
		res, err := fail(fmt.Errorf("%w: %w", ErrReport, err))
		res.Consumptions = out.Consumptions
		return res, err
	}

	// The server holds the contribution now; later cancellation must not
	// lose its bookkeeping.
	done := context.WithoutCancel(ctx)
	t.recordContribution(done, r, resp.RoundIndex)
	return training.ComputationResult{
		OutputCheckpoint: t.keepCheckpoint(r, out.Checkpoint),
		Outcome:          training.ContributionSuccess,
		Consumptions:     out.Consumptions,
	}, nil
}

// keepCheckpoint moves the checkpoint out of the sandbox before release.
// An empty path means no checkpoint outlives the run.
func (t *Trainer) keepCheckpoint(r *run, path string) string {
	if t.deps.Checkpoints == nil {
		return ""
	}
	kept, err := t.deps.Checkpoints.Keep(r.id, path)
	if err != nil {
		r.log.Warn("checkpoint not kept", logx.Err(err))
		return ""
	}
	return kept
}

func (t *Trainer) cachedToken(ctx context.Context, owner string) string {
	tok, err := t.deps.Store.GetAuthToken(ctx, owner)
	if err != nil || tok == nil {
		return ""
	}
	if !tok.ExpiresAt.IsZero() && !tok.ExpiresAt.After(t.now()) {
		return ""
	}
	return tok.Token
}

// recordContribution overwrites the history row after a reported
// contribution. The report already succeeded, so a storage failure is only
// logged.
func (t *Trainer) recordContribution(ctx context.Context, r *run, round int64) {
	key := training.HistoryKey{JobID: r.jobID, PopulationName: r.task.PopulationName, TaskName: r.taskName()}
	total := 0
	if prev, err := t.deps.Store.GetHistory(ctx, key); err == nil && prev != nil {
		total = prev.TotalParticipation
	}
	h := training.TaskHistory{
		HistoryKey:         key,
		ContributionRound:  round,
		ContributionTime:   t.now(),
		TotalParticipation: total + 1,
	}
	if err := t.deps.Store.UpsertHistory(ctx, h); err != nil {
		r.log.Warn("task history not updated", logx.Err(err))
	}
}

// notify hands the outcome to the callback helper. Its failures never reach
// the run's outcome.
func (t *Trainer) notify(ctx context.Context, r *run, res training.ComputationResult) {
	if t.deps.Callback == nil {
		return
	}
	r.enter(StageCallback)
	result := callback.NewResult(r.id, r.jobID, r.task.PopulationName, r.taskName(), res, t.now())
	if err := t.deps.Callback.Notify(context.WithoutCancel(ctx), result); err != nil {
		r.log.Warn("result callback not queued", logx.String("category", string(callback.Categorize(err))), logx.Err(err))
	}
}

func (t *Trainer) publish(typ string, ev RunEvent) {
	if t.deps.Bus == nil {
		return
	}
	t.deps.Bus.Publish(eventbus.Event{Type: typ, Time: t.now(), Data: ev})
}
