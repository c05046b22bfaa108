package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"rewardpool/services/rewardsd/journal"
)

// Harvester pulls pending rewards and withholds the protocol fee.
type Harvester interface {
	HarvestAndSkim(ctx context.Context) (map[string]*big.Int, error)
}

// Exporter writes journal entries to a parquet file.
type Exporter interface {
	ExportParquet(ctx context.Context, path string, filter journal.Filter) (int, error)
}

// Scheduler runs the periodic harvest and journal export jobs.
type Scheduler struct {
	cron      *cron.Cron
	harvester Harvester
	exporter  Exporter
	exportDir string
	logger    *slog.Logger
	ctx       context.Context
	now       func() time.Time

	lastExport time.Time
}

// New creates a scheduler whose jobs run with ctx.
func New(ctx context.Context, harvester Harvester, exporter Exporter, exportDir string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		harvester: harvester,
		exporter:  exporter,
		exportDir: exportDir,
		logger:    logger,
		ctx:       ctx,
		now:       time.Now,
	}
}

// Register adds the harvest and export jobs. An empty spec disables the job.
func (s *Scheduler) Register(harvestSpec, exportSpec string) error {
	if harvestSpec != "" && s.harvester != nil {
		if _, err := s.cron.AddFunc(harvestSpec, s.harvestTask); err != nil {
			return fmt.Errorf("register harvest task: %w", err)
		}
	}
	if exportSpec != "" && s.exporter != nil {
		if s.exportDir == "" {
			return fmt.Errorf("register export task: export directory required")
		}
		if _, err := s.cron.AddFunc(exportSpec, s.exportTask); err != nil {
			return fmt.Errorf("register export task: %w", err)
		}
	}
	return nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", s.Jobs()))
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunHarvestNow executes the harvest job immediately.
func (s *Scheduler) RunHarvestNow() {
	s.harvestTask()
}

// RunExportNow executes the export job immediately and returns the file
// written.
func (s *Scheduler) RunExportNow() (string, error) {
	return s.export()
}

func (s *Scheduler) harvestTask() {
	fees, err := s.harvester.HarvestAndSkim(s.ctx)
	if err != nil {
		s.logger.Error("scheduled harvest failed", slog.String("error", err.Error()))
		return
	}
	for token, fee := range fees {
		s.logger.Info("scheduled harvest", slog.String("token", token), slog.String("fee", fee.String()))
	}
}

func (s *Scheduler) exportTask() {
	if _, err := s.export(); err != nil {
		s.logger.Error("scheduled export failed", slog.String("error", err.Error()))
	}
}

// export writes the entries recorded since the previous export.
func (s *Scheduler) export() (string, error) {
	now := s.now().UTC()
	path := filepath.Join(s.exportDir, fmt.Sprintf("journal-%s.parquet", now.Format("20060102T150405Z")))
	rows, err := s.exporter.ExportParquet(s.ctx, path, journal.Filter{Since: s.lastExport, Until: now})
	if err != nil {
		return "", err
	}
	s.lastExport = now
	s.logger.Info("scheduled export", slog.String("path", path), slog.Int("rows", rows))
	return path, nil
}
