// Package reconcile brings a group's local content up to date with what its
// repos publish: it resolves every repo's manifest through the DHT and pulls
// the manifest and any missing files from peers.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"snowbird/pkg/apperr"
	"snowbird/pkg/dweb"
	"snowbird/pkg/metrics"
	"snowbird/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// Concurrency bounds how many repos are refreshed at once.
	Concurrency int
	// FetchTimeout bounds a whole refresh, including peer fetches.
	FetchTimeout time.Duration
}

type Engine struct {
	source  dweb.Source
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewEngine(source dweb.Source, opts Options, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Engine{source: source, opts: opts, metrics: m, logger: logger}
}

// Refresh reconciles every repo of the group named by groupID. Failures of
// individual repos are reported in the result; only a malformed id, an
// unknown group or an unavailable backend fail the call.
func (e *Engine) Refresh(ctx context.Context, groupID string) (*types.ReconciliationReport, error) {
	key, err := types.ParseKey(groupID)
	if err != nil {
		return nil, err
	}

	b, err := e.source.Get()
	if err != nil {
		return nil, err
	}

	// Fetches keep running when the requester goes away.
	ctx = context.WithoutCancel(ctx)
	if e.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.FetchTimeout)
		defer cancel()
	}

	g, err := b.Group(ctx, key)
	if err != nil {
		return nil, err
	}

	repos, err := g.Repos(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list repos of group %s: %w", key, err)
	}
	if len(repos) == 0 {
		return types.NewReconciliationReport(nil), nil
	}

	start := time.Now()
	e.metrics.RefreshInFlight.Inc()
	defer e.metrics.RefreshInFlight.Dec()

	reports := make([]types.RepoReport, len(repos))
	eg := new(errgroup.Group)
	eg.SetLimit(e.opts.Concurrency)
	for i, r := range repos {
		i, r := i, r
		eg.Go(func() error {
			reports[i] = e.refreshRepo(ctx, g, r)
			return nil
		})
	}
	eg.Wait()

	report := types.NewReconciliationReport(reports)

	e.metrics.RefreshRuns.Inc()
	e.metrics.RefreshLatency.Observe(time.Since(start).Seconds())
	e.metrics.RefreshedFiles.Add(float64(report.RefreshedCount()))
	e.metrics.RepoFailures.Add(float64(report.FailedCount()))

	e.logger.Info("Group refreshed",
		zap.String("group", key.String()),
		zap.Int("repos", len(reports)),
		zap.Int("refreshed_files", report.RefreshedCount()),
		zap.Int("failed_repos", report.FailedCount()),
		zap.Duration("duration", time.Since(start)))

	return report, nil
}

func (e *Engine) refreshRepo(ctx context.Context, g dweb.Group, r dweb.Repo) types.RepoReport {
	report := types.NewRepoReport(r.ID(), r.Name(), r.CanWrite())
	logger := e.logger.With(zap.String("repo", r.ID().String()))

	manifestHash, err := r.HashFromDHT(ctx)
	if err != nil {
		logger.Warn("Failed to resolve manifest hash", zap.Error(err))
		report.Annotate(fmt.Sprintf("failed to resolve manifest hash: %v", err))
		return report
	}
	report.RepoHash = manifestHash.String()

	if err := e.ensureLocal(ctx, g, manifestHash); err != nil {
		logger.Warn("Failed to fetch manifest", zap.Error(err))
		report.Annotate(fmt.Sprintf("failed to fetch manifest: %v", err))
		return report
	}

	files, err := r.ListFiles(ctx)
	if err != nil {
		logger.Warn("Failed to list files", zap.Error(err))
		report.Annotate(fmt.Sprintf("failed to list files: %v", err))
	}
	report.AllFiles = append(report.AllFiles, files...)

	for _, name := range report.AllFiles {
		h, err := r.FileHash(ctx, name)
		if err != nil {
			logger.Debug("Skipping file without hash", zap.String("file", name), zap.Error(err))
			continue
		}
		has, err := g.HasHash(ctx, h)
		if err != nil {
			logger.Debug("Skipping file with unknown local state", zap.String("file", name), zap.Error(err))
			continue
		}
		if has {
			continue
		}
		if err := g.DownloadHashFromPeers(ctx, h); err != nil {
			logger.Debug("Failed to fetch file", zap.String("file", name), zap.Error(err))
			continue
		}
		report.MarkRefreshed(name)
	}

	return report
}

func (e *Engine) ensureLocal(ctx context.Context, g dweb.Group, h types.Hash) error {
	has, err := g.HasHash(ctx, h)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	if err := g.DownloadHashFromPeers(ctx, h); err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "manifest %s", h)
	}
	return nil
}
