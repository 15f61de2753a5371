// Package maintenance implements the maintenance scheduler: fixed-schedule
// housekeeping kept out of the tight request/flush paths of C6 and C7 — a
// periodic stats snapshot log and a stale pending-write audit. Nothing in
// this package affects correctness; it can be stopped entirely and every
// other component keeps working exactly as before.
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/ctxquiz/quizcore/internal/answerbatch"
	"github.com/ctxquiz/quizcore/internal/pendingqueue"
	"github.com/ctxquiz/quizcore/internal/recovery"
)

// Config wires the scheduler to the stats sources it reports on and the
// SQLite file it uses for its own last-run bookkeeping. Any of Batcher,
// Recovery or Queue may be nil; the corresponding job is simply not
// registered.
type Config struct {
	Batcher  *answerbatch.Batcher
	Recovery *recovery.Worker
	Queue    *pendingqueue.Queue

	// StatsSchedule and AuditSchedule are standard 5-field cron
	// expressions, or robfig/cron's "@every 1m" shorthand.
	StatsSchedule string
	AuditSchedule string

	// StaleAfter is how long a pending write may sit in the queue before
	// the audit job logs a warning about it.
	StaleAfter time.Duration

	DBPath string
	Logger *zap.Logger
}

// Scheduler runs the maintenance cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	db         *sql.DB
	batcher    *answerbatch.Batcher
	recovery   *recovery.Worker
	queue      *pendingqueue.Queue
	staleAfter time.Duration
	logger     *zap.Logger
}

const createLastRunTable = `CREATE TABLE IF NOT EXISTS maintenance_last_run (
	job       TEXT PRIMARY KEY,
	run_at    TEXT NOT NULL,
	summary   TEXT NOT NULL
)`

// New opens the bookkeeping database and registers the stats-snapshot and
// stale-write-audit jobs. The scheduler is not started until Start is
// called.
func New(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	statsSchedule := cfg.StatsSchedule
	if statsSchedule == "" {
		statsSchedule = "@every 1m"
	}
	auditSchedule := cfg.AuditSchedule
	if auditSchedule == "" {
		auditSchedule = "@every 5m"
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "maintenance.db"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("maintenance: open bookkeeping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("maintenance: set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("maintenance: set busy_timeout: %w", err)
	}
	if _, err := db.Exec(createLastRunTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("maintenance: create bookkeeping table: %w", err)
	}

	s := &Scheduler{
		db:         db,
		batcher:    cfg.Batcher,
		recovery:   cfg.Recovery,
		queue:      cfg.Queue,
		staleAfter: staleAfter,
		logger:     logger,
		cron:       cron.New(),
	}

	if s.batcher != nil || s.recovery != nil {
		if _, err := s.cron.AddFunc(statsSchedule, s.logStatsSnapshot); err != nil {
			db.Close()
			return nil, fmt.Errorf("maintenance: parse stats schedule: %w", err)
		}
	}
	if s.queue != nil {
		if _, err := s.cron.AddFunc(auditSchedule, s.auditStaleWrites); err != nil {
			db.Close()
			return nil, fmt.Errorf("maintenance: parse audit schedule: %w", err)
		}
	}

	return s, nil
}

// Start launches the cron scheduler's own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop blocks until any in-flight job finishes, then closes the
// bookkeeping database.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.db.Close()
}

// logStatsSnapshot is the periodic housekeeping job for spec.md §4.6/§4.7's
// "Stats" structs: it logs a structured snapshot and records the run.
func (s *Scheduler) logStatsSnapshot() {
	var fields []zap.Field
	if s.batcher != nil {
		bs := s.batcher.GetStats()
		fields = append(fields,
			zap.Int64("batch_total_processed", bs.TotalProcessed),
			zap.Int64("batch_successful", bs.SuccessfulBatches),
			zap.Int64("batch_failed", bs.FailedBatches),
			zap.Float64("batch_avg_size", bs.AverageBatchSize),
		)
	}
	if s.recovery != nil {
		rs := s.recovery.GetStats()
		fields = append(fields,
			zap.Int64("recovery_ticks", rs.TotalTicks),
			zap.Int64("recovery_processed", rs.TotalProcessed),
			zap.Int64("recovery_failed", rs.TotalFailed),
			zap.String("recovery_last_summary", rs.LastResultSummary),
		)
	}
	s.logger.Info("maintenance stats snapshot", fields...)
	s.recordLastRun("stats_snapshot", "ok")
}

// auditStaleWrites is the periodic housekeeping job for spec.md §4.5's
// pending-write queue: it warns when an entry has sat in the queue longer
// than staleAfter, a signal that the durable store outage is prolonged
// enough to warrant human attention beyond C7's own retry loop.
func (s *Scheduler) auditStaleWrites() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	count, err := s.queue.Count(ctx)
	if err != nil {
		s.logger.Warn("maintenance: failed to count pending writes", zap.Error(err))
		s.recordLastRun("stale_write_audit", "count error: "+err.Error())
		return
	}
	if count == 0 {
		s.recordLastRun("stale_write_audit", "queue empty")
		return
	}

	writes, err := s.queue.List(ctx)
	if err != nil {
		s.logger.Warn("maintenance: failed to list pending writes", zap.Error(err))
		s.recordLastRun("stale_write_audit", "list error: "+err.Error())
		return
	}

	var stale int
	now := time.Now()
	for _, w := range writes {
		if now.Sub(w.EnqueuedAt) > s.staleAfter {
			stale++
		}
	}
	if stale > 0 {
		s.logger.Warn("maintenance: stale pending writes detected",
			zap.Int("stale_count", stale), zap.Int("total_count", count),
			zap.Duration("stale_after", s.staleAfter))
	}
	s.recordLastRun("stale_write_audit", fmt.Sprintf("%d/%d stale", stale, count))
}

func (s *Scheduler) recordLastRun(job, summary string) {
	_, err := s.db.Exec(
		`INSERT INTO maintenance_last_run (job, run_at, summary) VALUES (?, ?, ?)
		 ON CONFLICT(job) DO UPDATE SET run_at=excluded.run_at, summary=excluded.summary`,
		job, time.Now().UTC().Format(time.RFC3339), summary,
	)
	if err != nil {
		s.logger.Warn("maintenance: failed to record last-run bookkeeping", zap.String("job", job), zap.Error(err))
	}
}

// LastRun returns the recorded run time and summary for a job name, for an
// admin/status endpoint.
func (s *Scheduler) LastRun(job string) (runAt time.Time, summary string, found bool, err error) {
	row := s.db.QueryRow(`SELECT run_at, summary FROM maintenance_last_run WHERE job = ?`, job)
	var runAtStr string
	switch scanErr := row.Scan(&runAtStr, &summary); {
	case scanErr == sql.ErrNoRows:
		return time.Time{}, "", false, nil
	case scanErr != nil:
		return time.Time{}, "", false, scanErr
	}
	runAt, err = time.Parse(time.RFC3339, runAtStr)
	if err != nil {
		return time.Time{}, "", false, err
	}
	return runAt, summary, true, nil
}
