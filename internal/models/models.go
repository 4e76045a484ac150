package models

import "time"

// Campaign is the unit of a mass-mail run. The lock flag and timestamp are
// mutated only through the campaign lock; Description doubles as the
// human-readable status line shown in the UI.
type Campaign struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Locked      bool       `json:"locked"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lead is a single recipient. Variables holds the per-recipient template
// values as a serialized JSON object; it is parsed just before rendering.
type Lead struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Variables string `json:"variables,omitempty"`
}

// SendLog is one append-only record of a delivery attempt. LeadEmail is
// denormalized on purpose: a lead may be deleted after the attempt was logged.
type SendLog struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	LeadEmail  string    `json:"lead_email"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

// SMTPConfig describes an outbound mail server. Password carries the sealed
// ciphertext; it is opened immediately before dialing and never stored or
// logged in plaintext.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Secure   bool   `json:"secure"`
}

// Template is the subject/body pair rendered per recipient. The engine takes
// a snapshot at call time; it is never mutated during a run.
type Template struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Progress is the structured per-campaign dispatch progress record.
// InProgress is false once a run has finalized or before one has started.
type Progress struct {
	Current    int       `json:"current"`
	Total      int       `json:"total"`
	Success    int       `json:"success"`
	Failure    int       `json:"failure"`
	InProgress bool      `json:"in_progress"`
	UpdatedAt  time.Time `json:"updated_at"`
}
