package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Sithey/sharpmailer/internal/models"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(conn string) (*Postgres, error) {
	pool, err := pgxpool.New(context.Background(), conn)
	if err != nil {
		return nil, err
	}
	return &Postgres{Pool: pool}, nil
}

func (s *Postgres) Close() {
	s.Pool.Close()
}

func (s *Postgres) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var c models.Campaign
	err := s.Pool.QueryRow(ctx,
		`SELECT id, user_id, name, COALESCE(description, ''), locked, locked_at, created_at, updated_at
		 FROM campaigns WHERE id=$1`,
		id,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.Description, &c.Locked, &c.LockedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Postgres) GetCampaignWithLeads(ctx context.Context, id string) (*models.Campaign, []models.Lead, error) {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.Pool.Query(ctx,
		`SELECT l.id, l.email, COALESCE(l.variables, '')
		 FROM leads l
		 JOIN campaign_leads cl ON cl.lead_id = l.id
		 WHERE cl.campaign_id = $1
		 ORDER BY cl.added_at`,
		id,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var leads []models.Lead
	for rows.Next() {
		var l models.Lead
		if err := rows.Scan(&l.ID, &l.Email, &l.Variables); err != nil {
			return nil, nil, err
		}
		leads = append(leads, l)
	}
	return c, leads, rows.Err()
}

func (s *Postgres) UpdateCampaign(ctx context.Context, id string, patch CampaignPatch) error {
	if patch.Description == nil {
		return nil
	}
	tag, err := s.Pool.Exec(ctx,
		`UPDATE campaigns SET description=$1, updated_at=NOW() WHERE id=$2`,
		*patch.Description, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) TryLock(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error) {
	// Single statement so two concurrent acquisitions cannot both succeed.
	tag, err := s.Pool.Exec(ctx,
		`UPDATE campaigns
		 SET locked=TRUE, locked_at=$2, updated_at=NOW()
		 WHERE id=$1 AND (NOT locked OR locked_at IS NULL OR locked_at < $3)`,
		id, now, now.Add(-staleAfter),
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Distinguish contention from a missing campaign.
	if _, err := s.GetCampaign(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Postgres) Unlock(ctx context.Context, id string, note string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE campaigns
		 SET locked=FALSE, locked_at=NULL, description=$1, updated_at=NOW()
		 WHERE id=$2`,
		note, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) AppendSendLog(ctx context.Context, log *models.SendLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.SentAt.IsZero() {
		log.SentAt = time.Now().UTC()
	}
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO campaign_send_logs
		 (id, campaign_id, lead_email, success, error, message_id, sent_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		log.ID, log.CampaignID, log.LeadEmail, log.Success, log.Error, log.MessageID, log.SentAt,
	)
	return err
}

func (s *Postgres) ListSendLogs(ctx context.Context, campaignID string, failedOnly bool) ([]models.SendLog, error) {
	query := `SELECT id, campaign_id, lead_email, success, COALESCE(error, ''), COALESCE(message_id, ''), sent_at
	          FROM campaign_send_logs WHERE campaign_id=$1`
	if failedOnly {
		query += ` AND NOT success`
	}
	query += ` ORDER BY sent_at`

	rows, err := s.Pool.Query(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.SendLog
	for rows.Next() {
		var l models.SendLog
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.LeadEmail, &l.Success, &l.Error, &l.MessageID, &l.SentAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *Postgres) GroupSendLogs(ctx context.Context, campaignID string) (int, int, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT success, COUNT(*) FROM campaign_send_logs
		 WHERE campaign_id=$1 GROUP BY success`,
		campaignID,
	)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	var success, failure int
	for rows.Next() {
		var ok bool
		var count int
		if err := rows.Scan(&ok, &count); err != nil {
			return 0, 0, err
		}
		if ok {
			success = count
		} else {
			failure = count
		}
	}
	return success, failure, rows.Err()
}

func (s *Postgres) ClearSendLogs(ctx context.Context, campaignID string) error {
	if _, err := s.Pool.Exec(ctx,
		`DELETE FROM campaign_send_logs WHERE campaign_id=$1`, campaignID,
	); err != nil {
		return err
	}
	_, err := s.Pool.Exec(ctx,
		`DELETE FROM campaign_progress WHERE campaign_id=$1`, campaignID,
	)
	return err
}

func (s *Postgres) UpdateProgress(ctx context.Context, campaignID string, p models.Progress) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO campaign_progress
		 (campaign_id, current, total, success, failure, in_progress, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NOW())
		 ON CONFLICT (campaign_id) DO UPDATE
		 SET current=$2, total=$3, success=$4, failure=$5, in_progress=$6, updated_at=NOW()`,
		campaignID, p.Current, p.Total, p.Success, p.Failure, p.InProgress,
	)
	return err
}

func (s *Postgres) GetProgress(ctx context.Context, campaignID string) (*models.Progress, error) {
	var p models.Progress
	err := s.Pool.QueryRow(ctx,
		`SELECT current, total, success, failure, in_progress, updated_at
		 FROM campaign_progress WHERE campaign_id=$1`,
		campaignID,
	).Scan(&p.Current, &p.Total, &p.Success, &p.Failure, &p.InProgress, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
