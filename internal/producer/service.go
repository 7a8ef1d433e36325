package producer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"ticksched/internal/config"
	logx "ticksched/pkg/logx"
	"ticksched/pkg/tickloop"
)

// Enqueuer is the part of the tick loop a producer needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, fn tickloop.Action) *tickloop.Future[struct{}]
}

type job struct {
	cfg     config.JobConfig
	action  tickloop.Action
	entryID cron.EntryID

	pending   atomic.Bool
	fired     atomic.Uint64
	skipped   atomic.Uint64
	completed atomic.Uint64
	faulted   atomic.Uint64
	cancelled atomic.Uint64
}

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	Name      string
	Spec      string
	Action    string
	Next      time.Time
	Prev      time.Time
	Pending   bool
	Fired     uint64
	Skipped   uint64
	Completed uint64
	Faulted   uint64
	Cancelled uint64
}

type Option func(*Service)

// WithStartupSpread randomizes the first run of @every jobs.
func WithStartupSpread(enabled bool) Option {
	return func(s *Service) { s.spread = enabled }
}

func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// Service runs cron jobs that feed a tick loop.
type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	target Enqueuer
	parser cron.Parser
	loc    *time.Location
	spread bool

	c    *cron.Cron
	jobs map[string]*job

	// ctx is the enqueue context of every item; Stop cancels it so items
	// still queued resolve as cancelled instead of running.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(target Enqueuer, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		target: target,
		// SecondOptional accepts both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    time.Local,
		jobs:   map[string]*job{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Validate checks every enabled job's schedule and action without applying anything.
func (s *Service) Validate(jobs []config.JobConfig) error {
	var errs []error
	for _, jc := range jobs {
		if jc.Disabled {
			continue
		}
		if _, err := s.parser.Parse(strings.TrimSpace(jc.Schedule)); err != nil {
			errs = append(errs, fmt.Errorf("jobs.%s.schedule: %w", jc.Name, err))
		}
		if _, err := BuildAction(jc, s.log); err != nil {
			errs = append(errs, fmt.Errorf("jobs.%s: %w", jc.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Apply replaces the job set. Jobs whose config is unchanged keep their
// counters and pending state.
func (s *Service) Apply(jobs []config.JobConfig) error {
	if err := s.Validate(jobs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*job, len(jobs))
	for _, jc := range jobs {
		if jc.Disabled {
			continue
		}
		if old, ok := s.jobs[jc.Name]; ok && old.cfg == jc {
			next[jc.Name] = old
			continue
		}
		action, _ := BuildAction(jc, s.log)
		next[jc.Name] = &job{cfg: jc, action: action}
	}

	for name, old := range s.jobs {
		if next[name] != old && s.c != nil && old.entryID != 0 {
			s.c.Remove(old.entryID)
			old.entryID = 0
			s.log.Debug("job removed", logx.String("job", name))
		}
	}
	s.jobs = next

	if s.c != nil {
		for _, j := range s.jobs {
			if j.entryID == 0 {
				s.registerLocked(j)
			}
		}
	}
	return nil
}

// Start begins triggering. Calling it twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		s.registerLocked(j)
	}
	s.c.Start()
	s.log.Info("producer started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop halts triggering, cancels items not yet run and waits for outcome
// watchers, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	for _, j := range s.jobs {
		j.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	cancel()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("producer stop timed out waiting for outcomes")
	}
	s.log.Info("producer stopped")
}

// Trigger fires a job immediately, as if its schedule had come due.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	j := s.jobs[name]
	running := s.c != nil
	s.mu.Unlock()
	if j == nil {
		return fmt.Errorf("unknown job %q", name)
	}
	if !running {
		return errors.New("producer not started")
	}
	s.fire(j)
	return nil
}

func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	out := make([]JobInfo, 0, len(s.jobs))
	for name, j := range s.jobs {
		info := JobInfo{
			Name:      name,
			Spec:      j.cfg.Schedule,
			Action:    j.cfg.Action,
			Pending:   j.pending.Load(),
			Fired:     j.fired.Load(),
			Skipped:   j.skipped.Load(),
			Completed: j.completed.Load(),
			Faulted:   j.faulted.Load(),
			Cancelled: j.cancelled.Load(),
		}
		if s.c != nil && j.entryID != 0 {
			e := s.c.Entry(j.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Service) registerLocked(j *job) {
	spec := strings.TrimSpace(j.cfg.Schedule)
	run := cron.FuncJob(func() { s.fire(j) })

	if s.spread && strings.HasPrefix(spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
		if err == nil && every > 0 {
			sched, jitter := everyWithSpread(every, time.Now().In(s.loc), j.cfg.Name)
			j.entryID = s.c.Schedule(sched, run)
			s.log.Debug("job registered", logx.String("job", j.cfg.Name), logx.String("spec", spec), logx.Duration("spread", jitter))
			return
		}
	}

	id, err := s.c.AddJob(spec, run)
	if err != nil {
		// Validate already parsed the schedule; only a parser change can get here.
		s.log.Error("job register failed", logx.String("job", j.cfg.Name), logx.String("spec", spec), logx.Err(err))
		return
	}
	j.entryID = id
	s.log.Debug("job registered", logx.String("job", j.cfg.Name), logx.String("spec", spec))
}

// fire enqueues one run of j unless the previous one is still pending.
func (s *Service) fire(j *job) {
	if !j.pending.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.Debug("job trigger skipped", logx.String("job", j.cfg.Name), logx.String("reason", "previous run pending"))
		return
	}

	// Add under mu: Stop clears s.c under mu before it waits on wg.
	s.mu.Lock()
	if s.c == nil {
		s.mu.Unlock()
		j.pending.Store(false)
		s.log.Debug("job trigger dropped", logx.String("job", j.cfg.Name), logx.String("reason", "producer stopped"))
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	j.fired.Add(1)
	f := s.target.EnqueueContext(ctx, j.action)
	go func() {
		defer s.wg.Done()
		<-f.Done()
		j.pending.Store(false)
		s.report(j, f)
	}()
}

func (s *Service) report(j *job, f *tickloop.Future[struct{}]) {
	err := f.Err()
	switch f.State() {
	case tickloop.Completed:
		j.completed.Add(1)
		s.log.Debug("job completed", logx.String("job", j.cfg.Name), logx.String("id", f.ID()))
	case tickloop.Faulted:
		j.faulted.Add(1)
		s.log.Warn("job faulted", logx.String("job", j.cfg.Name), logx.String("id", f.ID()), logx.Err(err))
	case tickloop.Cancelled:
		j.cancelled.Add(1)
		s.log.Debug("job cancelled", logx.String("job", j.cfg.Name), logx.String("id", f.ID()), logx.Err(err))
	}
}
