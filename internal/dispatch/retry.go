package dispatch

import (
	"context"
	"errors"
	"strings"

	"github.com/Sithey/sharpmailer/internal/models"
	"github.com/Sithey/sharpmailer/internal/store"
)

// SelectForRetry computes the recipients a retry should target. With
// failedOnly it keeps only leads whose most recent attempt failed; earlier
// failures that later succeeded are excluded. Multiple attempts per email
// accumulate across retries, so only the latest one decides.
func (e *Engine) SelectForRetry(ctx context.Context, campaignID string, failedOnly bool) ([]models.Lead, error) {
	_, leads, err := e.Store.GetCampaignWithLeads(ctx, campaignID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, err
	}

	if !failedOnly {
		if len(leads) == 0 {
			return nil, ErrNothingToRetry
		}
		return leads, nil
	}

	logs, err := e.Store.ListSendLogs(ctx, campaignID, false)
	if err != nil {
		return nil, err
	}

	// Logs arrive in SentAt order; the last write per email wins.
	latest := make(map[string]models.SendLog)
	for _, l := range logs {
		latest[strings.ToLower(l.LeadEmail)] = l
	}

	var retry []models.Lead
	for _, lead := range leads {
		l, ok := latest[strings.ToLower(lead.Email)]
		if ok && !l.Success {
			retry = append(retry, lead)
		}
	}
	if len(retry) == 0 {
		return nil, ErrNothingToRetry
	}
	return retry, nil
}

// Retry re-enters Dispatch against the narrowed recipient set. It is not a
// separate send path; the run locks, logs, and reports progress exactly like
// a fresh send.
func (e *Engine) Retry(ctx context.Context, campaignID string, failedOnly bool, smtp models.SMTPConfig, tmpl models.Template) (*Result, error) {
	leads, err := e.SelectForRetry(ctx, campaignID, failedOnly)
	if err != nil {
		return nil, err
	}
	return e.Dispatch(ctx, Request{
		CampaignID: campaignID,
		Leads:      leads,
		SMTP:       smtp,
		Template:   tmpl,
	})
}
