package scheduler

import (
	"context"
	"time"

	"github.com/lajosnagyuk/devrt/pkg/log"
)

// LedgerPruner deletes provisioning records older than a cutoff.
type LedgerPruner interface {
	PruneProvisions(ctx context.Context, maxAge time.Duration) (int64, error)
}

// LogPruner deletes installer logs older than a cutoff.
type LogPruner interface {
	Prune(maxAge time.Duration) (int, error)
}

// PruneLedger returns a task that drops ledger rows older than retention.
func PruneLedger(p LedgerPruner, retention time.Duration) Task {
	return Task{
		Name: "prune ledger",
		Run: func(ctx context.Context) error {
			n, err := p.PruneProvisions(ctx, retention)
			if err != nil {
				return err
			}
			if n > 0 {
				log.VInfo("pruned %d provisioning records", n)
			}
			return nil
		},
	}
}

// PruneLogs returns a task that drops installer logs older than retention.
func PruneLogs(p LogPruner, retention time.Duration) Task {
	return Task{
		Name: "prune logs",
		Run: func(context.Context) error {
			n, err := p.Prune(retention)
			if err != nil {
				return err
			}
			if n > 0 {
				log.VInfo("pruned %d installer logs", n)
			}
			return nil
		},
	}
}
