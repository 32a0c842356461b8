package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"remindflow/internal/domain"
	"remindflow/internal/metrics"
	"remindflow/internal/ports"
	"remindflow/internal/worker"
)

// ErrUnknownRun is returned by ReportResult for a run that already finished
// (typically after it timed out).
var ErrUnknownRun = errors.New("unknown or expired run")

type Config struct {
	TickInterval   time.Duration
	DefaultTimeout time.Duration
	// LoadLimit caps how many ACTIVE tasks Load and Sync read; 0 reads all.
	LoadLimit int
	// SyncInterval is how often Run picks up tasks written to the
	// repository by other processes. Negative disables it.
	SyncInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = 30 * time.Second
	}
	return c
}

// Service owns the in-memory view of non-terminal schedule tasks and fires
// them when due. Every transition is persisted before it is applied in
// memory.
type Service struct {
	repo    ports.ScheduleTaskRepository
	pub     ports.EventPublisher
	pool    *worker.Pool
	clock   clockwork.Clock
	metrics *metrics.Collector
	cfg     Config

	// serializes Tick
	tickMu sync.Mutex

	mu              sync.Mutex
	tasks           map[string]*domain.ScheduleTask
	gens            map[string]uint64
	queue           fireQueue
	inflight        map[string]string     // task id -> run id
	runs            map[string]chan error // run id -> result
	persistFailures map[string]int
}

type run struct {
	task   *domain.ScheduleTask
	runID  string
	at     time.Time
	gen    uint64
	result chan error
}

func NewService(repo ports.ScheduleTaskRepository, pub ports.EventPublisher, pool *worker.Pool, clk clockwork.Clock, cfg Config) *Service {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Service{
		repo:            repo,
		pub:             pub,
		pool:            pool,
		clock:           clk,
		cfg:             cfg.withDefaults(),
		tasks:           make(map[string]*domain.ScheduleTask),
		gens:            make(map[string]uint64),
		inflight:        make(map[string]string),
		runs:            make(map[string]chan error),
		persistFailures: make(map[string]int),
	}
}

func (s *Service) WithMetrics(m *metrics.Collector) *Service {
	s.metrics = m
	return s
}

// Load rebuilds the fire queue from the ACTIVE tasks in the repository.
// Overdue tasks fire once on the next tick.
func (s *Service) Load(ctx context.Context) (int, error) {
	tasks, err := s.repo.FindActive(ctx, s.cfg.LoadLimit)
	if err != nil {
		return 0, fmt.Errorf("load active tasks: %w", err)
	}
	s.mu.Lock()
	for _, t := range tasks {
		s.installLocked(t)
	}
	s.mu.Unlock()
	log.Info().Int("tasks", len(tasks)).Msg("schedule tasks loaded")
	return len(tasks), nil
}

// Register persists t and starts tracking it. Registering a known id
// replaces the previous definition.
func (s *Service) Register(ctx context.Context, t *domain.ScheduleTask) error {
	if t == nil || t.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "required"}
	}
	if t.IsTerminal() {
		return domain.ErrTerminalTask
	}
	t = t.Clone()

	s.mu.Lock()
	if err := s.repo.Save(ctx, t); err != nil {
		s.mu.Unlock()
		s.metrics.RecordPersistFailure()
		return &domain.SchedulerPersistenceError{TaskID: t.ID, Op: "register", Err: err}
	}
	s.installLocked(t)
	s.mu.Unlock()

	log.Info().Str("task_id", t.ID).Str("source_module", t.SourceModule).Str("source_entity_id", t.SourceEntityID).
		Interface("next_run_at", t.Execution.NextRunAt).Msg("schedule task registered")
	return nil
}

func (s *Service) Pause(ctx context.Context, id string) (*domain.ScheduleTask, error) {
	return s.mutate(ctx, id, "pause", func(t *domain.ScheduleTask, now time.Time) error { return t.Pause(now) })
}

func (s *Service) Resume(ctx context.Context, id string) (*domain.ScheduleTask, error) {
	return s.mutate(ctx, id, "resume", func(t *domain.ScheduleTask, now time.Time) error { return t.Resume(now) })
}

func (s *Service) Cancel(ctx context.Context, id string) (*domain.ScheduleTask, error) {
	return s.mutate(ctx, id, "cancel", func(t *domain.ScheduleTask, now time.Time) error { return t.Cancel(now) })
}

func (s *Service) Complete(ctx context.Context, id string) (*domain.ScheduleTask, error) {
	return s.mutate(ctx, id, "complete", func(t *domain.ScheduleTask, now time.Time) error { return t.Complete(now) })
}

func (s *Service) Reschedule(ctx context.Context, id string, at time.Time) (*domain.ScheduleTask, error) {
	return s.mutate(ctx, id, "reschedule", func(t *domain.ScheduleTask, now time.Time) error { return t.Reschedule(at, now) })
}

// Get returns a copy of the task, falling back to the repository for tasks
// that are not tracked in memory (terminal or never loaded).
func (s *Service) Get(ctx context.Context, id string) (*domain.ScheduleTask, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		t = t.Clone()
	}
	s.mu.Unlock()
	if ok {
		return t, nil
	}
	return s.repo.FindByID(ctx, id)
}

func (s *Service) mutate(ctx context.Context, id, op string, fn func(*domain.ScheduleTask, time.Time) error) (*domain.ScheduleTask, error) {
	s.mu.Lock()
	cur, ok := s.tasks[id]
	if !ok {
		var err error
		if cur, err = s.repo.FindByID(ctx, id); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	next := cur.Clone()
	if err := fn(next, s.clock.Now()); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.repo.Save(ctx, next); err != nil {
		s.mu.Unlock()
		s.metrics.RecordPersistFailure()
		return nil, &domain.SchedulerPersistenceError{TaskID: id, Op: op, Err: err}
	}
	s.installLocked(next)
	out := next.Clone()
	s.mu.Unlock()

	log.Info().Str("task_id", id).Str("op", op).Str("status", string(next.Status)).Msg("schedule task updated")
	s.publish(ctx, domain.TransitionEvents(cur, next))
	return out, nil
}

// installLocked makes t the current version of its task. Any queued entry
// for the previous version goes stale.
func (s *Service) installLocked(t *domain.ScheduleTask) {
	if t.IsTerminal() {
		delete(s.tasks, t.ID)
		delete(s.gens, t.ID)
		delete(s.persistFailures, t.ID)
	} else {
		s.gens[t.ID]++
		s.tasks[t.ID] = t
		if t.Status == domain.TaskActive && t.Execution.NextRunAt != nil {
			s.queue.push(entry{taskID: t.ID, at: *t.Execution.NextRunAt, gen: s.gens[t.ID]})
		}
	}
	s.metrics.SetQueued(s.queue.Len())
}

// Run ticks on the clock until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.cfg.TickInterval).Msg("scheduler started")
	lastSync := s.clock.Now()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return
		case now := <-ticker.Chan():
			if s.cfg.SyncInterval > 0 && now.Sub(lastSync) >= s.cfg.SyncInterval {
				lastSync = now
				if _, err := s.Sync(ctx, now); err != nil {
					log.Warn().Err(err).Msg("sync schedule tasks")
				}
			}
			s.Tick(ctx, now)
		}
	}
}

// Sync starts tracking ACTIVE tasks that are due before the next sync and
// are not yet known in memory. Known tasks are left alone: their
// in-memory version is authoritative.
func (s *Service) Sync(ctx context.Context, now time.Time) (int, error) {
	horizon := now.Add(s.cfg.SyncInterval)
	tasks, err := s.repo.FindDueBefore(ctx, horizon, s.cfg.LoadLimit)
	if err != nil {
		return 0, fmt.Errorf("find due tasks: %w", err)
	}
	added := 0
	s.mu.Lock()
	for _, t := range tasks {
		if _, known := s.tasks[t.ID]; known {
			continue
		}
		s.installLocked(t)
		added++
	}
	s.mu.Unlock()
	if added > 0 {
		log.Info().Int("tasks", added).Msg("picked up schedule tasks from repository")
	}
	return added, nil
}

// Wait blocks until every submitted execution has finished.
func (s *Service) Wait() { s.pool.Wait() }

// NextFire reports the earliest queued fire time.
func (s *Service) NextFire() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		e, ok := s.queue.peek()
		if !ok {
			return time.Time{}, false
		}
		if _, live := s.tasks[e.taskID]; live && s.gens[e.taskID] == e.gen {
			return e.at, true
		}
		s.queue.pop()
	}
}

// Tick fires every task due at or before now and returns how many
// executions were started.
func (s *Service) Tick(ctx context.Context, now time.Time) int {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	var (
		fire     []run
		deferred []entry
	)
	for _, e := range s.queue.popDue(now) {
		t, ok := s.tasks[e.taskID]
		if !ok || s.gens[e.taskID] != e.gen || t.Status != domain.TaskActive {
			continue
		}
		if runID, busy := s.inflight[e.taskID]; busy {
			err := &domain.ConcurrencyConflictError{TaskID: e.taskID, RunID: runID}
			log.Debug().Err(err).Msg("skipping fire")
			s.metrics.RecordConflict()
			deferred = append(deferred, e)
			continue
		}
		r := run{task: t.Clone(), runID: uuid.NewString(), at: e.at, gen: e.gen, result: make(chan error, 1)}
		s.inflight[e.taskID] = r.runID
		s.runs[r.runID] = r.result
		fire = append(fire, r)
	}
	for _, e := range deferred {
		s.queue.push(e)
	}
	s.metrics.SetQueued(s.queue.Len())
	s.mu.Unlock()

	started := 0
	for _, r := range fire {
		r := r
		if err := s.pool.Submit(ctx, func(ctx context.Context) { s.execute(ctx, r) }); err != nil {
			log.Warn().Err(err).Str("task_id", r.task.ID).Msg("could not start execution")
			s.mu.Lock()
			s.releaseLocked(r)
			if s.gens[r.task.ID] == r.gen {
				s.queue.push(entry{taskID: r.task.ID, at: r.at, gen: r.gen})
			}
			s.mu.Unlock()
			continue
		}
		started++
	}
	return started
}

// ReportResult delivers the outcome of a run published as
// ScheduleTaskTriggered. A nil err is a success.
func (s *Service) ReportResult(runID string, err error) error {
	s.mu.Lock()
	ch, ok := s.runs[runID]
	delete(s.runs, runID)
	s.mu.Unlock()
	if !ok {
		return ErrUnknownRun
	}
	ch <- err
	return nil
}

func (s *Service) execute(ctx context.Context, r run) {
	start := s.clock.Now()
	s.metrics.RecordTrigger()
	log.Info().Str("task_id", r.task.ID).Str("run_id", r.runID).Msg("schedule task triggered")

	ev := domain.ScheduleTaskTriggered{
		TaskID:         r.task.ID,
		RunID:          r.runID,
		AccountID:      r.task.OwnerAccountID,
		SourceModule:   r.task.SourceModule,
		SourceEntityID: r.task.SourceEntityID,
		FiredAt:        start,
		Payload:        r.task.Payload,
	}
	var result error
	if err := s.pub.Publish(ctx, ev); err != nil {
		result = fmt.Errorf("publish trigger: %w", err)
	} else {
		result = s.await(ctx, r)
	}
	s.finish(ctx, r, result, start)
}

func (s *Service) await(ctx context.Context, r run) error {
	timeout := r.task.Timeout()
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	select {
	case err := <-r.result:
		return err
	case <-s.clock.After(timeout):
		return &domain.ExecutionTimeoutError{TaskID: r.task.ID, Timeout: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) finish(ctx context.Context, r run, result error, start time.Time) {
	id := r.task.ID
	now := s.clock.Now()
	elapsed := now.Sub(start).Seconds()

	s.mu.Lock()
	s.releaseLocked(r)

	if ctx.Err() != nil {
		// shutting down: leave the task as persisted so it refires after restart
		s.mu.Unlock()
		s.metrics.RecordResult("aborted", elapsed)
		return
	}

	cur, ok := s.tasks[id]
	superseded := ok && (cur.Status != domain.TaskActive || s.gens[id] != r.gen)
	if !ok || (superseded && result != nil) {
		// cancelled or finished, or a failure the pause or reschedule already overrode
		s.mu.Unlock()
		s.metrics.RecordResult("discarded", elapsed)
		log.Info().Str("task_id", id).Str("run_id", r.runID).AnErr("result", result).
			Msg("discarding result of a task changed while in flight")
		return
	}

	next := cur.Clone()
	var err error
	if superseded {
		err = next.RecordSupersededSuccess(now)
	} else {
		reason := ""
		if result != nil {
			reason = result.Error()
		}
		err = next.RecordExecutionResult(result == nil, now, reason)
	}
	if err != nil {
		s.mu.Unlock()
		log.Error().Err(err).Str("task_id", id).Msg("record execution result")
		s.metrics.RecordResult("discarded", elapsed)
		return
	}

	if err := s.repo.Save(ctx, next); err != nil && superseded {
		s.mu.Unlock()
		perr := &domain.SchedulerPersistenceError{TaskID: id, Op: "record result", Err: err}
		s.metrics.RecordPersistFailure()
		s.metrics.RecordResult("discarded", elapsed)
		log.Error().Err(perr).Msg("dropped success of a task changed while in flight")
		return
	} else if err != nil {
		s.persistFailures[id]++
		delay := cur.RetryPolicy.Delay(s.persistFailures[id])
		if delay < s.cfg.TickInterval {
			delay = s.cfg.TickInterval
		}
		s.gens[id]++
		s.queue.push(entry{taskID: id, at: now.Add(delay), gen: s.gens[id]})
		s.metrics.SetQueued(s.queue.Len())
		s.mu.Unlock()

		perr := &domain.SchedulerPersistenceError{TaskID: id, Op: "record result", Err: err}
		s.metrics.RecordPersistFailure()
		s.metrics.RecordResult("discarded", elapsed)
		log.Error().Err(perr).Dur("retry_in", delay).Msg("rolled back execution result")
		return
	}
	delete(s.persistFailures, id)
	s.installLocked(next)
	s.mu.Unlock()

	var timeout *domain.ExecutionTimeoutError
	switch {
	case result == nil:
		s.metrics.RecordResult("success", elapsed)
	case errors.As(result, &timeout):
		s.metrics.RecordResult("timeout", elapsed)
	default:
		s.metrics.RecordResult("failure", elapsed)
	}
	log.Info().Str("task_id", id).Str("run_id", r.runID).AnErr("result", result).
		Str("status", string(next.Status)).Interface("next_run_at", next.Execution.NextRunAt).
		Msg("execution recorded")
	s.publish(ctx, domain.TransitionEvents(cur, next))
}

func (s *Service) releaseLocked(r run) {
	delete(s.runs, r.runID)
	if s.inflight[r.task.ID] == r.runID {
		delete(s.inflight, r.task.ID)
	}
}

func (s *Service) publish(ctx context.Context, events []domain.Event) {
	for _, ev := range events {
		if err := s.pub.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Str("event", string(ev.Kind())).Msg("publish event")
		}
	}
}
