// Package sync runs configured mappings through scan, plan, execute and
// report.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/dirsyncd/internal/config"
	"github.com/schaermu/dirsyncd/internal/executor"
	"github.com/schaermu/dirsyncd/internal/hashing"
	"github.com/schaermu/dirsyncd/internal/plan"
	"github.com/schaermu/dirsyncd/internal/report"
	"github.com/schaermu/dirsyncd/internal/scan"
)

// Report is the outcome of one engine run
type Report struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	DryRun     bool            `json:"dry_run"`
	Mappings   []MappingReport `json:"mappings"`
	Total      report.Summary  `json:"total"`
}

// MappingReport is the outcome of one mapping
type MappingReport struct {
	Name        string         `json:"name"`
	Source      string         `json:"source"`
	Destination string         `json:"destination"`
	Phase       Phase          `json:"phase"`
	Planned     plan.Counts    `json:"planned"`
	Warnings    []string       `json:"warnings,omitempty"`
	Summary     report.Summary `json:"summary"`
	Error       string         `json:"error,omitempty"`
}

// Engine orchestrates the sync process
type Engine struct {
	cfg     *config.Config
	scanner *scan.Scanner
	logger  *slog.Logger
	dryRun  bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:     cfg,
		scanner: scan.NewScanner(logger),
		logger:  logger,
		dryRun:  dryRun,
	}
}

// Run syncs every mapping in order. A fatal error in one mapping stops the
// run; the partial report is returned alongside the error. When ctx is
// cancelled, mappings not yet started are left out and ctx's error is
// returned.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	rep := &Report{
		StartedAt: time.Now(),
		DryRun:    e.dryRun,
	}
	defer func() {
		rep.FinishedAt = time.Now()
	}()

	e.logger.Info("starting sync",
		"config", e.cfg.Path(),
		"mappings", len(e.cfg.Mappings),
		"allow_delete", e.cfg.Sync.AllowDelete,
		"dry_run", e.dryRun)

	for i := range e.cfg.Mappings {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("sync cancelled", "remaining_mappings", len(e.cfg.Mappings)-i)
			return rep, err
		}

		mr, err := e.syncMapping(ctx, &e.cfg.Mappings[i])
		rep.Mappings = append(rep.Mappings, mr)
		rep.Total.Merge(mr.Summary)
		if err != nil {
			return rep, fmt.Errorf("mapping %q: %w", mr.Name, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}

	e.logger.Info("sync completed",
		"copied", rep.Total.Copied,
		"updated", rep.Total.Updated,
		"deleted", rep.Total.Deleted,
		"skipped", rep.Total.Skipped,
		"failed", rep.Total.Failed)

	return rep, nil
}

// syncMapping drives one mapping through its phases. The returned error is
// fatal for the run; per-action failures only show up in the summary.
func (e *Engine) syncMapping(ctx context.Context, m *config.Mapping) (MappingReport, error) {
	mr := MappingReport{
		Name:        m.Name,
		Source:      m.Source,
		Destination: m.Destination,
		Phase:       PhaseLoaded,
	}
	logger := e.logger.With("mapping", m.Name)
	logger.Info("syncing mapping", "source", m.Source, "destination", m.Destination)

	src, dst, err := e.scanPair(ctx, m)
	if err != nil {
		return e.fail(&mr, logger, fmt.Errorf("failed to scan: %w", err))
	}
	for _, w := range src.Warnings {
		mr.Warnings = append(mr.Warnings, "source: "+w.String())
	}
	for _, w := range dst.Warnings {
		mr.Warnings = append(mr.Warnings, "destination: "+w.String())
	}
	if err := mr.transition(PhaseScanned); err != nil {
		return mr, err
	}

	actions := plan.Build(src, dst, plan.Options{
		PreserveExtra: m.ConflictPolicy == config.PolicyPreserveExtra,
		CompareHash:   m.Compare == config.CompareHash,
		ModTimeWindow: m.ModTimeWindow.Std(),
	})
	mr.Planned = plan.Count(actions)
	if err := mr.transition(PhasePlanned); err != nil {
		return mr, err
	}

	logger.Info("sync plan",
		"copy", mr.Planned.Copy,
		"update", mr.Planned.Update,
		"delete", mr.Planned.Delete,
		"skip", mr.Planned.Skip)

	if e.dryRun {
		e.logPlanDetails(logger, actions)
		logger.Info("dry-run complete, no changes applied")
		return mr, nil
	}

	if err := mr.transition(PhaseExecuting); err != nil {
		return mr, err
	}

	ex := executor.New(
		executor.NewOSFilesystem(m.Source),
		executor.NewOSFilesystem(m.Destination),
		executor.Options{
			Workers:     e.cfg.Sync.Workers,
			AllowDelete: e.cfg.Sync.AllowDelete,
			Retry: executor.RetryPolicy{
				MaxAttempts:     e.cfg.Sync.Retry.MaxAttempts,
				InitialInterval: e.cfg.Sync.Retry.InitialInterval.Std(),
				MaxInterval:     e.cfg.Sync.Retry.MaxInterval.Std(),
			},
		},
		logger,
	)
	results := ex.Execute(ctx, actions)
	mr.Summary = report.Aggregate(results)

	if err := mr.transition(PhaseCompleted); err != nil {
		return mr, err
	}

	if mr.Summary.HasFailures() {
		logger.Warn("mapping completed with failures", "failed", mr.Summary.Failed)
	} else {
		logger.Info("mapping completed")
	}

	return mr, nil
}

func (e *Engine) fail(mr *MappingReport, logger *slog.Logger, err error) (MappingReport, error) {
	if terr := mr.transition(PhaseFailed); terr != nil {
		err = errors.Join(err, terr)
	}
	mr.Error = err.Error()
	logger.Error("mapping failed", "phase", mr.Phase, "error", err)
	return *mr, err
}

// scanPair scans source and destination in parallel. The destination may not
// exist yet.
func (e *Engine) scanPair(ctx context.Context, m *config.Mapping) (src, dst *scan.Snapshot, err error) {
	filter := scan.NewFilter(m.Include, m.Exclude)

	var algo hashing.Algorithm
	if m.Compare == config.CompareHash {
		algo = hashing.Algorithm(e.cfg.Sync.HashAlgorithm)
		if algo == "" {
			algo = hashing.XXH3
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := e.scanner.Scan(gctx, m.Source, scan.Options{Filter: filter, Hash: algo})
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		src = s
		return nil
	})
	g.Go(func() error {
		s, err := e.scanner.Scan(gctx, m.Destination, scan.Options{Filter: filter, Hash: algo, AllowMissingRoot: true})
		if err != nil {
			return fmt.Errorf("destination: %w", err)
		}
		dst = s
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return src, dst, nil
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(logger *slog.Logger, actions []plan.Action) {
	for _, a := range actions {
		switch a.Kind {
		case plan.Copy:
			logger.Info("[dry-run] would copy", "path", a.Path)
		case plan.Update:
			logger.Info("[dry-run] would update", "path", a.Path, "reason", a.Reason)
		case plan.Delete:
			if e.cfg.Sync.AllowDelete {
				logger.Info("[dry-run] would delete", "path", a.Path)
			} else {
				logger.Info("[dry-run] would keep (delete not allowed)", "path", a.Path)
			}
		}
	}
}
