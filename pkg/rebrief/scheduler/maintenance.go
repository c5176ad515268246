// Package scheduler – maintenance.go defines the stock maintenance jobs
// that keep a running engine healthy: cache sweeps, keyword relevance
// decay, and proposal refreshes for active conversations.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cogfold/rebrief/pkg/rebrief/composer"
)

// keywordDecayFactor is applied to every set relevance score on each decay
// run, so stale externally computed scores fade instead of pinning old
// keywords to the top forever.
const keywordDecayFactor = 0.95

// refreshParallelism bounds concurrent ranking passes during a proposal
// refresh so the refresh never starves interactive requests.
const refreshParallelism = 4

// auditRetention is how long restart audit records are kept before the
// compaction job drops them.
const auditRetention = 90 * 24 * time.Hour

// RegisterMaintenance wires the stock jobs against the engine using the
// cron specs from config. A job whose spec is empty stays unregistered.
func RegisterMaintenance(s *Scheduler, engine *composer.Engine, cfg composer.SchedulerConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	jobs := []Job{
		{
			Name: "cache-sweep",
			Spec: cfg.SweepSpec,
			Run: func(ctx context.Context) error {
				// Repopulation is idempotent, so dropping fresh entries
				// alongside stale ones costs one reload at worst.
				engine.History().Clear()
				engine.Ledger().ClearCaches()
				return nil
			},
		},
		{
			Name: "keyword-decay",
			Spec: cfg.DecaySpec,
			Run: func(ctx context.Context) error {
				updated, err := engine.Ledger().DecayRelevance(ctx, keywordDecayFactor)
				if err != nil {
					return err
				}
				logger.Debug("keyword relevance decayed", "updated", updated)
				return nil
			},
		},
		{
			Name: "proposal-refresh",
			Spec: cfg.ProposalSpec,
			Run: func(ctx context.Context) error {
				return refreshProposals(ctx, engine, logger)
			},
		},
		{
			Name: "audit-compaction",
			Spec: cfg.AuditSpec,
			Run: func(ctx context.Context) error {
				pruned, err := engine.Settings().PruneRestarts(time.Now().Add(-auditRetention))
				if err != nil {
					return err
				}
				logger.Debug("restart audit compacted", "pruned", pruned)
				return nil
			},
		},
	}

	for _, job := range jobs {
		if err := s.Register(job); err != nil {
			return err
		}
	}
	return nil
}

// refreshProposals re-ranks proposals for every conversation the ledger
// knows about, warming the ledger caches so the next interactive build
// starts from fresh listings. Failures for one conversation are logged and
// do not stop the rest.
func refreshProposals(ctx context.Context, engine *composer.Engine, logger *slog.Logger) error {
	subjects, err := engine.Ledger().AllSubjects(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, subj := range subjects {
		for _, conv := range subj.ConversationIDs {
			seen[conv] = true
		}
	}
	conversations := make([]string, 0, len(seen))
	for conv := range seen {
		conversations = append(conversations, conv)
	}
	sort.Strings(conversations)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshParallelism)
	for _, conv := range conversations {
		g.Go(func() error {
			proposals, err := engine.RankProposals(gctx, conv)
			if err != nil {
				logger.Warn("proposal refresh failed for conversation", "conversation", conv, "error", err)
				return nil
			}
			logger.Debug("proposals refreshed", "conversation", conv, "proposals", len(proposals))
			return nil
		})
	}
	return g.Wait()
}
