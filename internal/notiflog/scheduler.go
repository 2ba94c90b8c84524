package notiflog

import (
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"yangvault/internal/logging"
)

// Scheduler drives periodic notification-log maintenance: roll checks
// for age-based rotation and retention pruning. One scheduler per
// process; the module set is re-read from the modules function on
// every run.
type Scheduler struct {
	sched   gocron.Scheduler
	log     *Log
	modules func() []string
	logger  *slog.Logger
}

// MaintenanceInterval is how often roll/retention checks run.
const MaintenanceInterval = time.Minute

// NewScheduler creates (but does not start) the maintenance scheduler.
// modules supplies the current replay-enabled module set on each run.
func NewScheduler(log *Log, modules func() []string, logger *slog.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		sched:   sched,
		log:     log,
		modules: modules,
		logger:  logging.Default(logger).With("component", "notiflog-sched"),
	}, nil
}

// Start registers the maintenance job and starts the scheduler.
func (s *Scheduler) Start() error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(MaintenanceInterval),
		gocron.NewTask(s.run),
	)
	if err != nil {
		return err
	}
	s.sched.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for a running job to finish.
func (s *Scheduler) Stop() error {
	return s.sched.Shutdown()
}

func (s *Scheduler) run() {
	now := time.Now()
	for _, module := range s.modules() {
		s.maintain(module, now)
	}
}

func (s *Scheduler) maintain(module string, now time.Time) {
	s.log.mu.Lock()
	err := s.log.maybeRollLocked(module, now)
	s.log.mu.Unlock()
	if err != nil {
		s.logger.Warn("roll check failed", "module", module, "err", err)
	}
	if err := s.log.Prune(module, now); err != nil {
		s.logger.Warn("retention prune failed", "module", module, "err", err)
	}
}
