// Package lock provides the per-campaign mutual exclusion used by the
// dispatch engine: at most one run may hold a campaign's lock at a time.
package lock

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Sithey/sharpmailer/internal/store"
)

// DefaultStaleAfter is how old a leftover lock must be before a new
// acquisition force-clears it. A crashed run must not leave a campaign
// permanently unsendable; the trade-off is that a run slower than this
// window can be overlapped by a second one.
const DefaultStaleAfter = 30 * time.Minute

// ErrAlreadyLocked is returned when another dispatch holds the lock.
var ErrAlreadyLocked = errors.New("campaign is locked: another send operation may be in progress")

// Lease is proof of a held lock, passed back on release.
type Lease struct {
	CampaignID string
	AcquiredAt time.Time
}

// Locker acquires and releases campaign locks against the store.
type Locker struct {
	Store      store.Store
	StaleAfter time.Duration // 0 means DefaultStaleAfter
	Log        *zap.Logger
}

// TryAcquire attempts to take the campaign lock. It fails with
// ErrAlreadyLocked when a fresh lock is held by someone else; a lock older
// than the staleness window is silently taken over.
func (l *Locker) TryAcquire(ctx context.Context, campaignID string) (*Lease, error) {
	staleAfter := l.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	now := time.Now().UTC()
	acquired, err := l.Store.TryLock(ctx, campaignID, now, staleAfter)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrAlreadyLocked
	}

	l.Log.Info("campaign lock acquired", zap.String("campaign_id", campaignID))
	return &Lease{CampaignID: campaignID, AcquiredAt: now}, nil
}

// Release unconditionally clears the lock and stamps a completion note onto
// the campaign. It runs on every exit path of a dispatch, so errors are
// logged rather than propagated.
func (l *Locker) Release(ctx context.Context, lease *Lease, note string) {
	if lease == nil {
		return
	}
	if err := l.Store.Unlock(ctx, lease.CampaignID, note); err != nil {
		l.Log.Error("failed to release campaign lock",
			zap.String("campaign_id", lease.CampaignID),
			zap.Error(err),
		)
		return
	}
	l.Log.Info("campaign lock released",
		zap.String("campaign_id", lease.CampaignID),
		zap.Duration("held_for", time.Since(lease.AcquiredAt)),
	)
}
