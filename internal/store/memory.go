package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sithey/sharpmailer/internal/models"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and the
// database-less development mode of the server.
type Memory struct {
	mu        sync.RWMutex
	campaigns map[string]models.Campaign
	leads     map[string][]models.Lead
	logs      map[string][]models.SendLog
	progress  map[string]models.Progress
}

func NewMemory() *Memory {
	return &Memory{
		campaigns: make(map[string]models.Campaign),
		leads:     make(map[string][]models.Lead),
		logs:      make(map[string][]models.SendLog),
		progress:  make(map[string]models.Progress),
	}
}

// PutCampaign inserts or replaces a campaign record.
func (m *Memory) PutCampaign(c models.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = time.Now().UTC()
	m.campaigns[c.ID] = c
}

// PutLeads replaces the lead set associated with a campaign.
func (m *Memory) PutLeads(campaignID string, leads []models.Lead) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leads[campaignID] = append([]models.Lead(nil), leads...)
}

func (m *Memory) GetCampaign(_ context.Context, id string) (*models.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) GetCampaignWithLeads(_ context.Context, id string) (*models.Campaign, []models.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	leads := append([]models.Lead(nil), m.leads[id]...)
	return &c, leads, nil
}

func (m *Memory) UpdateCampaign(_ context.Context, id string, patch CampaignPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Description != nil {
		c.Description = *patch.Description
	}
	c.UpdatedAt = time.Now().UTC()
	m.campaigns[id] = c
	return nil
}

func (m *Memory) TryLock(_ context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Locked && c.LockedAt != nil && now.Sub(*c.LockedAt) < staleAfter {
		return false, nil
	}
	lockedAt := now
	c.Locked = true
	c.LockedAt = &lockedAt
	c.UpdatedAt = now
	m.campaigns[id] = c
	return true, nil
}

func (m *Memory) Unlock(_ context.Context, id string, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Locked = false
	c.LockedAt = nil
	c.Description = note
	c.UpdatedAt = time.Now().UTC()
	m.campaigns[id] = c
	return nil
}

func (m *Memory) AppendSendLog(_ context.Context, log *models.SendLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.SentAt.IsZero() {
		log.SentAt = time.Now().UTC()
	}
	m.logs[log.CampaignID] = append(m.logs[log.CampaignID], *log)
	return nil
}

func (m *Memory) ListSendLogs(_ context.Context, campaignID string, failedOnly bool) ([]models.SendLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SendLog
	for _, l := range m.logs[campaignID] {
		if failedOnly && l.Success {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out, nil
}

func (m *Memory) GroupSendLogs(_ context.Context, campaignID string) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var success, failure int
	for _, l := range m.logs[campaignID] {
		if l.Success {
			success++
		} else {
			failure++
		}
	}
	return success, failure, nil
}

func (m *Memory) ClearSendLogs(_ context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, campaignID)
	delete(m.progress, campaignID)
	return nil
}

func (m *Memory) UpdateProgress(_ context.Context, campaignID string, p models.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.UpdatedAt = time.Now().UTC()
	m.progress[campaignID] = p
	return nil
}

func (m *Memory) GetProgress(_ context.Context, campaignID string) (*models.Progress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.progress[campaignID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
