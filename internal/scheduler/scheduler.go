package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/internal/ledger"
	"github.com/wonny/aegis-trader/internal/risk"
	"github.com/wonny/aegis-trader/internal/scoring"
	"github.com/wonny/aegis-trader/pkg/logger"
	"github.com/wonny/aegis-trader/pkg/metrics"
)

// =============================================================================
// Collaborators
// =============================================================================

// CandidateSource collects raw inputs for the day's universe
type CandidateSource interface {
	Candidates(ctx context.Context, now time.Time) ([]contracts.Candidate, error)
}

// PriceFeed fetches latest prices
type PriceFeed interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// OrderRouter is the order manager surface used by the scheduler
type OrderRouter interface {
	SubmitEntry(ctx context.Context, intent contracts.EntryIntent) (contracts.Order, error)
	SubmitExit(ctx context.Context, intent contracts.ExitIntent) (contracts.Order, error)
	CancelWithReason(ctx context.Context, orderID, reason string) (contracts.Order, error)
	Sweep(ctx context.Context, now time.Time) int
	Live() []contracts.Order
	InFlight(symbol string, side contracts.OrderSide) bool
	StatusCounts(since time.Time) map[contracts.OrderStatus]int
}

// PositionView is the ledger surface used by the scheduler
type PositionView interface {
	BySymbol(symbol string) (contracts.Position, bool)
	MarkPrice(symbol string, price float64) (contracts.Position, bool)
	Active() []contracts.Position
	Snapshot(positionID string) (contracts.Position, error)
	Summary(since time.Time) ledger.Summary
}

// MonitoredStore persists the day's monitored set (optional)
type MonitoredStore interface {
	SaveMonitored(ctx context.Context, day string, candidates []contracts.Candidate) error
}

// Config holds cadence and sizing parameters
type Config struct {
	Windows        Windows
	ClockTick      time.Duration
	MarketInterval time.Duration
	FetchTimeout   time.Duration // 종목별 시세 조회
	ScanTimeout    time.Duration // 장전 스캔 전체
	Workers        int
	BudgetPerStock int64
}

// DefaultConfig returns the default cadence
func DefaultConfig() Config {
	return Config{
		Windows:        DefaultWindows(),
		ClockTick:      5 * time.Second,
		MarketInterval: 3 * time.Minute,
		FetchTimeout:   10 * time.Second,
		ScanTimeout:    5 * time.Minute,
		Workers:        8,
		BudgetPerStock: 1_000_000,
	}
}

// Deps are the scheduler collaborators
type Deps struct {
	Calendar  *Calendar
	Engine    *scoring.Engine
	Risk      *risk.Manager
	Guard     *risk.Guard
	Source    CandidateSource
	Prices    PriceFeed
	Orders    OrderRouter
	Book      PositionView
	Monitored MonitoredStore // nil = 저장 안함
	Emitter   contracts.Emitter
	Metrics   *metrics.Recorder
	Logger    *logger.Logger
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler drives the trading day state machine
// ⭐ SSOT: 장 단계 전이는 이 스케줄러에서만
type Scheduler struct {
	config Config
	deps   Deps
	logger *logger.Logger

	// tickMu serializes ticks; mu guards state and is never held across I/O
	tickMu sync.Mutex
	mu     sync.Mutex

	phase       Phase
	phaseDay    string // phase가 결정된 날짜
	stopped     bool
	scannedDay  string
	settledDay  string
	haltedDay   string // 일일 손실 한도 도달일
	lastCycle   time.Time
	monitored   []contracts.Candidate
	cycleCancel context.CancelFunc

	cron      *cron.Cron
	runCancel context.CancelFunc
	jobs      map[string]Job
	history   map[string]*JobHistory

	// Retry configuration (maintenance jobs)
	maxRetries int
	retryDelay time.Duration
}

// New creates a new scheduler
func New(config Config, deps Deps) (*Scheduler, error) {
	if err := config.Windows.Validate(); err != nil {
		return nil, err
	}
	if deps.Calendar == nil || deps.Engine == nil || deps.Risk == nil || deps.Guard == nil ||
		deps.Source == nil || deps.Prices == nil || deps.Orders == nil || deps.Book == nil || deps.Metrics == nil {
		return nil, fmt.Errorf("scheduler: missing collaborator")
	}
	if deps.Emitter == nil {
		deps.Emitter = contracts.NopEmitter{}
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}

	log := deps.Logger.Component("scheduler")
	s := &Scheduler{
		config:     config,
		deps:       deps,
		logger:     log,
		phase:      PhaseIdle,
		cron:       cron.New(cron.WithSeconds(), cron.WithLocation(deps.Calendar.Location()), cron.WithChain(cron.SkipIfStillRunning(log.CronLogger()))),
		jobs:       make(map[string]Job),
		history:    make(map[string]*JobHistory),
		maxRetries: 3,
		retryDelay: 1 * time.Minute,
	}
	for _, name := range []string{RunPreMarketScan, RunMarketCycle, RunSettlement} {
		s.history[name] = &JobHistory{}
	}
	deps.Metrics.SetPhase(string(PhaseIdle), PhaseNames())
	return s, nil
}

// Start registers the clock tick and starts the cron loop
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	spec := fmt.Sprintf("@every %s", s.config.ClockTick)
	if _, err := s.cron.AddFunc(spec, func() { s.Tick(runCtx, time.Now()) }); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule clock tick: %w", err)
	}

	s.mu.Lock()
	s.runCancel = cancel
	s.stopped = false
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"tick":     s.config.ClockTick.String(),
		"interval": s.config.MarketInterval.String(),
		"timezone": s.deps.Calendar.Location().String(),
	}).Info("Starting scheduler")
	s.cron.Start()

	// 늦게 시작한 경우 즉시 한 번 판단
	go s.Tick(runCtx, time.Now())
	return nil
}

// Stop moves to IDLE at once and cancels a running cycle.
// In-flight orders are left to the order manager.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	from := s.phase
	s.stopped = true
	s.phase = PhaseIdle
	if s.cycleCancel != nil {
		s.cycleCancel()
	}
	if s.runCancel != nil {
		s.runCancel()
	}
	s.mu.Unlock()

	s.deps.Metrics.SetPhase(string(PhaseIdle), PhaseNames())
	s.logger.WithField("from", from).Info("Stopping scheduler")

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// Tick evaluates the phase at now and runs the work due.
// It is the deterministic core behind the cron clock.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	tickCtx, cancel := context.WithCancel(ctx)
	s.cycleCancel = cancel
	current, phaseDay := s.phase, s.phaseDay
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cycleCancel = nil
		s.mu.Unlock()
	}()

	s.deps.Orders.Sweep(tickCtx, now)

	// 단계는 하루 안에서만 앞으로 진행
	day := s.deps.Calendar.DayKey(now)
	effective := current
	if phaseDay != day {
		effective = PhaseIdle
	}
	target := s.resolve(now, effective)
	if target != current || phaseDay != day {
		s.enter(tickCtx, now, current, target, phaseDay)
	}

	switch target {
	case PhasePreMarket:
		if !s.scanned(day) {
			s.runScan(tickCtx, now)
		}
	case PhaseMarketHours:
		if !s.scanned(day) {
			s.runScan(tickCtx, now)
		}
		if s.cycleDue(now) {
			s.runMarketCycle(tickCtx, now)
		}
	case PhaseSettlement:
		if !s.settled(day) {
			s.runSettlement(tickCtx, now, day)
		} else {
			s.retrySettlement(tickCtx, now)
		}
	}
}

// resolve guards phase resolution; any failure falls back to IDLE
func (s *Scheduler) resolve(now time.Time, current Phase) (phase Phase) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Phase resolution failed, falling back to IDLE")
			phase = PhaseIdle
		}
	}()
	return Resolve(s.deps.Calendar, s.config.Windows, now, current)
}

// enter moves to phase to. A day that was scanned but left its window
// without settling is settled first.
func (s *Scheduler) enter(ctx context.Context, now time.Time, from, to Phase, fromDay string) {
	day := s.deps.Calendar.DayKey(now)

	leavingDay := fromDay != day || to == PhaseIdle
	if leavingDay && from != PhaseIdle && from != PhaseSettlement && s.scanned(fromDay) && !s.settled(fromDay) {
		s.runSettlement(ctx, now, fromDay)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.phase = to
	s.phaseDay = day
	if to == PhaseMarketHours && from != PhaseMarketHours {
		s.lastCycle = time.Time{}
	}
	s.mu.Unlock()

	if from == to {
		return
	}
	s.deps.Metrics.SetPhase(string(to), PhaseNames())
	s.logger.WithFields(map[string]interface{}{
		"from": from,
		"to":   to,
		"day":  day,
	}).Info("Phase transition")
}

func (s *Scheduler) scanned(day string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scannedDay == day
}

func (s *Scheduler) settled(day string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settledDay == day
}

func (s *Scheduler) halted(day string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haltedDay == day
}

func (s *Scheduler) cycleDue(now time.Time) bool {
	if !s.config.Windows.InMarket(s.deps.Calendar.MinuteOfDay(now)) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle.IsZero() || now.Sub(s.lastCycle) >= s.config.MarketInterval
}

// =============================================================================
// Status
// =============================================================================

// Status is a point-in-time view for the API
type Status struct {
	Phase     Phase               `json:"phase"`
	Stopped   bool                `json:"stopped"`
	Day       string              `json:"scanned_day,omitempty"`
	Settled   string              `json:"settled_day,omitempty"`
	Halted    string              `json:"halted_day,omitempty"`
	Monitored int                 `json:"monitored"`
	LastCycle *time.Time          `json:"last_cycle,omitempty"`
	Runs      map[string]JobStats `json:"runs"`
}

// Phase returns the current phase
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Monitored returns a copy of the monitored set in rank order
func (s *Scheduler) Monitored() []contracts.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.Candidate, len(s.monitored))
	copy(out, s.monitored)
	return out
}

// Status returns the scheduler status
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		Phase:     s.phase,
		Stopped:   s.stopped,
		Day:       s.scannedDay,
		Settled:   s.settledDay,
		Halted:    s.haltedDay,
		Monitored: len(s.monitored),
	}
	if !s.lastCycle.IsZero() {
		t := s.lastCycle
		st.LastCycle = &t
	}
	s.mu.Unlock()

	st.Runs = s.GetJobStats()
	return st
}

// History returns the latest n runs of a phase run or job (n <= 0: all)
func (s *Scheduler) History(name string, n int) ([]JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.history[name]
	if !ok {
		return nil, fmt.Errorf("job %s not found", name)
	}
	if n <= 0 {
		n = len(h.Results)
	}
	return h.GetLatestResults(n), nil
}

func (s *Scheduler) record(result JobResult) {
	result.Duration = result.EndTime.Sub(result.StartTime)
	s.mu.Lock()
	h, ok := s.history[result.JobName]
	if !ok {
		h = &JobHistory{}
		s.history[result.JobName] = h
	}
	h.AddResult(result)
	s.mu.Unlock()
}

// =============================================================================
// Maintenance jobs
// =============================================================================

// AddJob adds a maintenance job to the cron loop
func (s *Scheduler) AddJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobName := job.Name()

	// Check if job already exists
	if _, exists := s.jobs[jobName]; exists {
		return fmt.Errorf("job %s already exists", jobName)
	}

	// Add job to cron
	_, err := s.cron.AddFunc(job.Schedule(), func() {
		s.runJob(context.Background(), job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", jobName, err)
	}

	// Store job
	s.jobs[jobName] = job
	s.history[jobName] = &JobHistory{}

	s.logger.WithFields(map[string]interface{}{
		"job":      jobName,
		"schedule": job.Schedule(),
	}).Info("Job added to scheduler")

	return nil
}

// RunJob runs a maintenance job immediately (outside of schedule)
func (s *Scheduler) RunJob(ctx context.Context, jobName string) error {
	s.mu.Lock()
	job, exists := s.jobs[jobName]
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("job %s not found", jobName)
	}

	s.runJob(ctx, job)
	return nil
}

// runJob executes a job with retry logic
func (s *Scheduler) runJob(ctx context.Context, job Job) {
	jobName := job.Name()
	startTime := time.Now()

	s.logger.WithField("job", jobName).Info("Job started")

	var lastErr error
	var success bool

	// Try running the job with retries
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err := job.Run(ctx)
		if err == nil {
			success = true
			break
		}

		lastErr = err
		s.logger.WithFields(map[string]interface{}{
			"job":     jobName,
			"attempt": attempt + 1,
			"error":   err.Error(),
		}).Warn("Job execution failed, retrying")

		// Wait before retry (except on last attempt)
		if attempt < s.maxRetries {
			select {
			case <-ctx.Done():
				attempt = s.maxRetries
			case <-time.After(s.retryDelay):
			}
		}
	}

	result := JobResult{
		JobName:   jobName,
		StartTime: startTime,
		EndTime:   time.Now(),
		Success:   success,
	}
	if !success && lastErr != nil {
		result.Error = lastErr.Error()
	}
	s.record(result)

	if success {
		s.logger.WithFields(map[string]interface{}{
			"job":      jobName,
			"duration": result.EndTime.Sub(startTime),
		}).Info("Job completed successfully")
	} else {
		s.logger.WithFields(map[string]interface{}{
			"job":   jobName,
			"error": result.Error,
		}).Error("Job failed after all retries")
	}
}

// GetJobStats returns statistics for phase runs and jobs
func (s *Scheduler) GetJobStats() map[string]JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[string]JobStats, len(s.history))
	for name, history := range s.history {
		schedule := "phase"
		if job, ok := s.jobs[name]; ok {
			schedule = job.Schedule()
		}
		stats[name] = statsFor(name, schedule, history)
	}
	return stats
}

// GetAllJobs returns all registered maintenance jobs
func (s *Scheduler) GetAllJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]string, 0, len(s.jobs))
	for jobName := range s.jobs {
		jobs = append(jobs, jobName)
	}
	sort.Strings(jobs)
	return jobs
}
