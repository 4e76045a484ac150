// Package dispatch implements the campaign mass-mail send loop: acquire the
// campaign lock, deliver one personalized message per recipient, record every
// outcome, and report progress while the run is live.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Sithey/sharpmailer/internal/lock"
	"github.com/Sithey/sharpmailer/internal/mail"
	"github.com/Sithey/sharpmailer/internal/metrics"
	"github.com/Sithey/sharpmailer/internal/models"
	"github.com/Sithey/sharpmailer/internal/progress"
	"github.com/Sithey/sharpmailer/internal/secret"
	"github.com/Sithey/sharpmailer/internal/store"
	"github.com/Sithey/sharpmailer/internal/template"
)

// DefaultSendInterval is the pause between consecutive sends. It is a
// deliberate throttle so a run does not trip the target server's rate limits.
const DefaultSendInterval = 400 * time.Millisecond

// Request describes one dispatch invocation. Either CampaignID or Leads must
// be set. When both are set, Leads overrides the stored recipient set while
// the campaign is still locked and logged against; the retry path uses this
// to re-run a narrowed subset.
type Request struct {
	CampaignID string
	Leads      []models.Lead
	SMTP       models.SMTPConfig
	Template   models.Template
}

// Outcome is the recorded result of one recipient.
type Outcome struct {
	Email     string    `json:"email"`
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// Result aggregates a whole run. Err is set only when the run was aborted by
// a mid-run transport failure; the outcomes collected before the abort are
// still present and fewer than Total.
type Result struct {
	Outcomes []Outcome `json:"outcomes"`
	Total    int       `json:"total"`
	Success  int       `json:"success"`
	Failure  int       `json:"failure"`
	Err      error     `json:"-"`
}

// Engine orchestrates dispatch runs. Runs against different campaigns may
// execute concurrently; the per-campaign lock is the only serialization
// point.
type Engine struct {
	Store   store.Store
	Codec   *secret.Codec
	Locker  *lock.Locker
	Tracker *progress.Tracker
	Log     *zap.Logger

	// SendInterval overrides the inter-send throttle; 0 means
	// DefaultSendInterval.
	SendInterval time.Duration

	// RetryMaxElapsed bounds the transport's transient-retry window per
	// message; 0 means the transport default.
	RetryMaxElapsed time.Duration

	// Connect overrides the transport constructor; nil means mail.Connect.
	Connect mail.Connector
}

// Dispatch runs one send. The returned error covers call-level failures only
// (lock contention, unknown campaign, empty recipient set, transport setup);
// per-recipient failures live in the result. On setup and mid-run failures
// the result is still returned with whatever was collected.
func (e *Engine) Dispatch(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	leads, err := e.resolveRecipients(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(leads) == 0 {
		return nil, ErrNoRecipients
	}

	res := &Result{Total: len(leads)}

	// Locking applies only to persisted campaigns; a direct in-memory send
	// has no shared record two runs could fight over.
	var lease *lock.Lease
	if req.CampaignID != "" {
		lease, err = e.Locker.TryAcquire(ctx, req.CampaignID)
		if errors.Is(err, lock.ErrAlreadyLocked) {
			return nil, ErrCampaignBusy
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCampaignNotFound
		}
		if err != nil {
			return nil, err
		}
		defer func() {
			e.finalize(ctx, req.CampaignID, lease, res)
		}()
	}
	defer func() {
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
		if res.Err != nil {
			metrics.DispatchRuns.WithLabelValues("failed").Inc()
		} else {
			metrics.DispatchRuns.WithLabelValues("completed").Inc()
		}
	}()

	session, err := e.openSession(req.SMTP)
	if err != nil {
		setupErr := &SetupError{Err: err}
		res.Err = setupErr
		return res, setupErr
	}
	defer session.Close()

	interval := e.SendInterval
	if interval <= 0 {
		interval = DefaultSendInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	e.Log.Info("dispatch started",
		zap.String("campaign_id", req.CampaignID),
		zap.Int("recipients", len(leads)),
	)

	for _, lead := range leads {
		if err := limiter.Wait(ctx); err != nil {
			res.Err = fmt.Errorf("dispatch interrupted: %w", err)
			break
		}

		outcome, fatal := e.sendOne(ctx, session, req, lead)
		if fatal != nil {
			// The session died; everything not yet attempted stays
			// unattempted so a retry can pick it up.
			res.Err = fatal
			break
		}

		res.Outcomes = append(res.Outcomes, *outcome)
		if outcome.Success {
			res.Success++
			metrics.MailsSent.Inc()
		} else {
			res.Failure++
			metrics.MailFailures.Inc()
		}

		if req.CampaignID != "" {
			e.recordAttempt(ctx, req.CampaignID, *outcome)
			e.Tracker.Update(ctx, req.CampaignID,
				res.Success+res.Failure, res.Total, res.Success, res.Failure)
		}
	}

	e.Log.Info("dispatch finished",
		zap.String("campaign_id", req.CampaignID),
		zap.Int("success", res.Success),
		zap.Int("failure", res.Failure),
		zap.Bool("aborted", res.Err != nil),
	)
	return res, nil
}

func (e *Engine) resolveRecipients(ctx context.Context, req Request) ([]models.Lead, error) {
	if req.CampaignID == "" {
		return req.Leads, nil
	}
	if len(req.Leads) > 0 {
		// Narrowed set supplied by the retry selector; still verify the
		// campaign exists before touching its lock.
		if _, err := e.Store.GetCampaign(ctx, req.CampaignID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrCampaignNotFound
			}
			return nil, err
		}
		return req.Leads, nil
	}
	_, leads, err := e.Store.GetCampaignWithLeads(ctx, req.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, err
	}
	return leads, nil
}

func (e *Engine) openSession(cfg models.SMTPConfig) (mail.Session, error) {
	password, err := e.Codec.Open(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("cannot open server credentials: %w", err)
	}

	connect := e.Connect
	if connect == nil {
		connect = mail.Connect
	}
	return connect(mail.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		Username:        cfg.Username,
		Password:        password,
		Secure:          cfg.Secure,
		RetryMaxElapsed: e.RetryMaxElapsed,
	})
}

// sendOne delivers to a single lead. A non-nil fatal return means the
// transport session is dead and the run must abort.
func (e *Engine) sendOne(ctx context.Context, session mail.Session, req Request, lead models.Lead) (*Outcome, error) {
	vars, err := template.ParseVars(lead.Variables)
	if err != nil {
		// Malformed variables never abort the run; the lead just renders
		// without personalization.
		e.Log.Warn("skipping malformed lead variables",
			zap.String("campaign_id", req.CampaignID),
			zap.String("email", lead.Email),
			zap.Error(err),
		)
	}
	vars[template.EmailVar] = strings.ToLower(lead.Email)

	subject := template.Render(req.Template.Subject, vars)
	body := template.Render(req.Template.HTML, vars)

	messageID, sendErr := session.Send(mail.Message{
		From:       req.SMTP.Username,
		To:         lead.Email,
		Subject:    subject,
		HTML:       body,
		CampaignID: req.CampaignID,
		LeadID:     lead.ID,
	})
	sentAt := time.Now().UTC()

	if sendErr != nil && mail.IsSessionError(sendErr) {
		e.Log.Error("mail transport failed mid-run",
			zap.String("campaign_id", req.CampaignID),
			zap.String("email", lead.Email),
			zap.Error(sendErr),
		)
		return nil, fmt.Errorf("transport failed mid-run: %w", sendErr)
	}

	if sendErr != nil {
		e.Log.Error("mail send failed",
			zap.String("campaign_id", req.CampaignID),
			zap.String("email", lead.Email),
			zap.Error(sendErr),
		)
		return &Outcome{
			Email:  lead.Email,
			Error:  sendErr.Error(),
			SentAt: sentAt,
		}, nil
	}

	return &Outcome{
		Email:     lead.Email,
		Success:   true,
		MessageID: messageID,
		SentAt:    sentAt,
	}, nil
}

func (e *Engine) recordAttempt(ctx context.Context, campaignID string, o Outcome) {
	log := &models.SendLog{
		CampaignID: campaignID,
		LeadEmail:  o.Email,
		Success:    o.Success,
		Error:      o.Error,
		MessageID:  o.MessageID,
		SentAt:     o.SentAt,
	}
	if err := e.Store.AppendSendLog(ctx, log); err != nil {
		e.Log.Error("failed to append send log",
			zap.String("campaign_id", campaignID),
			zap.String("email", o.Email),
			zap.Error(err),
		)
	}
}

// finalize runs on every exit path of a campaign-backed dispatch: release
// the lock, stamp the terminal status, and close out the progress record.
// The context is detached so a run aborted by cancellation can still clear
// the lock against a ctx-honoring store.
func (e *Engine) finalize(ctx context.Context, campaignID string, lease *lock.Lease, res *Result) {
	ctx = context.WithoutCancel(ctx)

	note := fmt.Sprintf("Sent: %d success, %d errors", res.Success, res.Failure)
	if res.Err != nil {
		note = "Failed to send"
	}
	e.Locker.Release(ctx, lease, note)
	e.Tracker.Complete(ctx, campaignID)
}
