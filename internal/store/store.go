package store

import (
	"context"
	"errors"
	"time"

	"github.com/Sithey/sharpmailer/internal/models"
)

// ErrNotFound is returned when a campaign id does not exist.
var ErrNotFound = errors.New("campaign not found")

// CampaignPatch selects which campaign fields an update touches. Nil fields
// are left untouched.
type CampaignPatch struct {
	Description *string
}

// Store is the persistence surface the dispatch engine depends on.
//
// TryLock and Unlock exist as dedicated operations because lease acquisition
// must be atomic: a read-then-write sequence would allow two concurrent
// dispatch calls to both observe an unlocked campaign.
type Store interface {
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	GetCampaignWithLeads(ctx context.Context, id string) (*models.Campaign, []models.Lead, error)
	UpdateCampaign(ctx context.Context, id string, patch CampaignPatch) error

	// TryLock atomically acquires the campaign lock. A campaign counts as
	// lockable when it is unlocked, or when its lock timestamp is older than
	// staleAfter (a crashed run's leftover lock is force-cleared).
	TryLock(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error)
	// Unlock clears the lock unconditionally and stamps a status note.
	Unlock(ctx context.Context, id string, note string) error

	AppendSendLog(ctx context.Context, log *models.SendLog) error
	// ListSendLogs returns logs for a campaign ordered by SentAt ascending.
	ListSendLogs(ctx context.Context, campaignID string, failedOnly bool) ([]models.SendLog, error)
	// GroupSendLogs aggregates the send log by outcome.
	GroupSendLogs(ctx context.Context, campaignID string) (success, failure int, err error)
	ClearSendLogs(ctx context.Context, campaignID string) error

	UpdateProgress(ctx context.Context, campaignID string, p models.Progress) error
	GetProgress(ctx context.Context, campaignID string) (*models.Progress, error)
}
