package dispatch

import (
	"errors"
	"fmt"
)

// Call-level failures. These are the only errors Dispatch returns to its
// caller; per-recipient delivery failures are recorded in the result's
// outcomes and the send log instead.
var (
	// ErrCampaignBusy means another dispatch holds the campaign lock.
	ErrCampaignBusy = errors.New("campaign is currently being sent")

	// ErrCampaignNotFound means the campaign id does not resolve.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrNoRecipients means the resolved recipient list was empty. It is
	// raised before any lock side effect.
	ErrNoRecipients = errors.New("no recipients to send to")

	// ErrNothingToRetry means the retry selector produced an empty set.
	ErrNothingToRetry = errors.New("no failed sends to retry")
)

// SetupError wraps a failure to establish the mail transport session. No
// recipient was attempted; the lock, if held, has been released.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("cannot open mail transport session: %v", e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }
