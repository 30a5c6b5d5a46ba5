// Package scheduler triggers periodic pipeline tasks (queue drains, reclaim,
// retention sweeps) on robfig/cron schedules.
//
// Cron callbacks only enqueue; a small worker pool runs the tasks so a slow task
// never blocks the cron goroutine. Each schedule skips a tick while its previous
// run is still going.
package scheduler

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	logx "broadcastd/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

type Config struct {
	Workers        int
	DefaultTimeout time.Duration
	HistorySize    int
	Timezone       string // IANA name; empty means local
}

type HistoryItem struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Running bool          `json:"running"`
	Skipped uint64        `json:"skipped"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Timezone  string         `json:"timezone"`
	Workers   int            `json:"workers"`
	QueueLen  int            `json:"queue_len"`
	Schedules []ScheduleInfo `json:"schedules"`
	History   []HistoryItem  `json:"history"`
}

type runState struct {
	mu      sync.Mutex
	running bool
	skipped uint64
}

// tryStart marks the schedule running. It reports false if it already was.
func (r *runState) tryStart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.skipped++
		return false
	}
	r.running = true
	return true
}

func (r *runState) done() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	state   *runState
}

type task struct {
	def *scheduleDef
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	queue     chan task
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// AddSchedule registers job under name. schedule accepts anything ParseSchedule does.
// A zero timeout uses the configured default. Schedules may be added before or after Start.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return errors.Newf("schedule %s: job required", name)
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return errors.Wrapf(err, "schedule %s", name)
	}
	spec := ps.CronSpec()
	if _, err := s.parser.Parse(spec); err != nil {
		return errors.Wrapf(err, "schedule %s", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return errors.Newf("schedule %s already registered", name)
		}
	}
	d := &scheduleDef{name: name, spec: spec, timeout: timeout, job: job, state: &runState{}}
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.addCronLocked(d); err != nil {
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("task", name), logx.String("spec", spec))
	return nil
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	eid, err := s.c.AddFunc(d.spec, func() { s.fire(d) })
	if err != nil {
		return errors.Wrapf(err, "schedule %s", d.name)
	}
	d.entryID = eid
	return nil
}

// fire is the cron callback.
func (s *Service) fire(d *scheduleDef) {
	if !d.state.tryStart() {
		s.log.Debug("schedule skipped (previous run still running)", logx.String("task", d.name))
		return
	}
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		d.state.done()
		return
	}
	select {
	case q <- task{def: d}:
	default:
		d.state.done()
		s.log.Warn("scheduler queue full; dropping run", logx.String("task", d.name))
	}
}

// RunNow executes a registered schedule synchronously, respecting its overlap guard.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var d *scheduleDef
	for _, x := range s.defs {
		if x.name == name {
			d = x
		}
	}
	s.mu.Unlock()
	if d == nil {
		return errors.Newf("schedule %s not found", name)
	}
	if !d.state.tryStart() {
		return errors.Newf("schedule %s already running", name)
	}
	return s.exec(ctx, d)
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return errors.Wrapf(err, "scheduler timezone %q", tz)
		}
		loc = l
	}
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.c = nil
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	queue := make(chan task, 64)
	s.queue = queue
	s.workerWG.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		go func() {
			defer s.workerWG.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case t := <-queue:
					_ = s.exec(runCtx, t.def)
				}
			}
		}()
	}
	s.c.Start()
	s.log.Info("service started", logx.Int("workers", s.cfg.Workers), logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
	return nil
}

// Stop halts cron, cancels running tasks and waits for workers or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel, q := s.c, s.runCancel, s.queue
	s.c, s.runCancel, s.queue = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	cancel()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		// Runs queued but never started must not block their schedule after a restart.
		for {
			select {
			case t := <-q:
				t.def.state.done()
			default:
				close(done)
				return
			}
		}
	}()
	select {
	case <-done:
		s.log.Info("service stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; tasks still finishing")
	}
}

// exec runs one task. The caller must have won d.state.tryStart.
func (s *Service) exec(ctx context.Context, d *scheduleDef) (err error) {
	defer d.state.done()
	start := time.Now()

	timeout := d.timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduled task", logx.String("task", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = errors.Newf("panic: %v", r)
			}
		}()
		err = d.job(runCtx)
	}()

	dur := time.Since(start)
	item := HistoryItem{Name: d.name, Started: start, Duration: dur}
	switch {
	case err != nil:
		item.Error = err.Error()
		s.log.Warn("task failed", logx.String("task", d.name), logx.Err(err), logx.Duration("dur", dur))
	case dur >= 750*time.Millisecond:
		s.log.Info("task completed", logx.String("task", d.name), logx.Duration("dur", dur))
	default:
		s.log.Debug("task completed", logx.String("task", d.name), logx.Duration("dur", dur))
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
	return err
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defs := append([]*scheduleDef(nil), s.defs...)
	c, loc, q := s.c, s.loc, s.queue
	s.mu.Unlock()

	snap := Snapshot{Workers: s.cfg.Workers}
	if loc != nil {
		snap.Timezone = loc.String()
	}
	if q != nil {
		snap.QueueLen = len(q)
	}
	for _, d := range defs {
		d.state.mu.Lock()
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout, Running: d.state.running, Skipped: d.state.skipped}
		d.state.mu.Unlock()
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
