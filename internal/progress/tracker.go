// Package progress tracks per-campaign dispatch counters. The structured
// record is the source of truth; the human-readable status line written to
// the campaign description exists for the UI and older clients that parse it.
package progress

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Sithey/sharpmailer/internal/models"
	"github.com/Sithey/sharpmailer/internal/store"
)

const statusPrefix = "Sending: "

// FormatStatus renders the in-progress status line, e.g.
// "Sending: 3/10 (✓2 ✕1)".
func FormatStatus(current, total, success, failure int) string {
	return fmt.Sprintf("%s%d/%d (✓%d ✕%d)", statusPrefix, current, total, success, failure)
}

// ParseStatus decodes a status line produced by FormatStatus. ok is false for
// anything that is not an in-progress line.
func ParseStatus(s string) (current, total, success, failure int, ok bool) {
	if !strings.HasPrefix(s, statusPrefix) {
		return 0, 0, 0, 0, false
	}
	n, err := fmt.Sscanf(strings.TrimPrefix(s, statusPrefix), "%d/%d (✓%d ✕%d)",
		&current, &total, &success, &failure)
	if err != nil || n != 4 {
		return 0, 0, 0, 0, false
	}
	return current, total, success, failure, true
}

// Tracker persists dispatch counters and answers progress reads.
type Tracker struct {
	Store store.Store
	Log   *zap.Logger
}

// Update records the counters after one recipient has been processed. It is
// called in strict recipient order; counters only ever grow within a run.
func (t *Tracker) Update(ctx context.Context, campaignID string, current, total, success, failure int) {
	p := models.Progress{
		Current:    current,
		Total:      total,
		Success:    success,
		Failure:    failure,
		InProgress: true,
	}
	if err := t.Store.UpdateProgress(ctx, campaignID, p); err != nil {
		t.Log.Error("failed to persist progress",
			zap.String("campaign_id", campaignID),
			zap.Error(err),
		)
	}

	status := FormatStatus(current, total, success, failure)
	if err := t.Store.UpdateCampaign(ctx, campaignID, store.CampaignPatch{Description: &status}); err != nil {
		t.Log.Error("failed to write status line",
			zap.String("campaign_id", campaignID),
			zap.Error(err),
		)
	}
}

// Complete marks the campaign's progress record terminal, keeping the final
// counters readable.
func (t *Tracker) Complete(ctx context.Context, campaignID string) {
	p, err := t.Store.GetProgress(ctx, campaignID)
	if err != nil {
		t.Log.Error("failed to load progress for completion",
			zap.String("campaign_id", campaignID),
			zap.Error(err),
		)
		return
	}
	if p == nil {
		return
	}
	p.InProgress = false
	if err := t.Store.UpdateProgress(ctx, campaignID, *p); err != nil {
		t.Log.Error("failed to finalize progress",
			zap.String("campaign_id", campaignID),
			zap.Error(err),
		)
	}
}

// Read returns the current progress snapshot. It is safe to call while a
// dispatch is running. When no in-progress record exists, current and total
// default to zero and the success/failure counts are recomputed from the
// send log, so the answer stays useful even for finished or never-started
// campaigns.
func (t *Tracker) Read(ctx context.Context, campaignID string) (models.Progress, error) {
	p, err := t.Store.GetProgress(ctx, campaignID)
	if err != nil {
		return models.Progress{}, err
	}
	if p != nil && p.InProgress {
		return *p, nil
	}

	success, failure, err := t.Store.GroupSendLogs(ctx, campaignID)
	if err != nil {
		return models.Progress{}, err
	}
	return models.Progress{Success: success, Failure: failure}, nil
}
