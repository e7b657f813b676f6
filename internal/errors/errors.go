package appErrors

import "fmt"

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrBadTransition signals an illegal campaign status change.
type ErrBadTransition struct {
	CampaignID int
	From       string
	To         string
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("campaign %d cannot go from %s to %s", e.CampaignID, e.From, e.To)
}

func NewBadTransition(id int, from, to string) error {
	return &ErrBadTransition{CampaignID: id, From: from, To: to}
}

// ErrNoRecipients signals that a campaign resolved to an empty recipient
// set and was left in its prior status.
type ErrNoRecipients struct {
	CampaignID int
}

func (e *ErrNoRecipients) Error() string {
	return fmt.Sprintf("campaign %d has no resolvable recipients", e.CampaignID)
}

func NewNoRecipients(id int) error {
	return &ErrNoRecipients{CampaignID: id}
}

// ErrServerNotFound is returned when a campaign references a sending server
// that no longer exists.
type ErrServerNotFound struct {
	ServerID int
}

func (e *ErrServerNotFound) Error() string {
	return fmt.Sprintf("sending server with ID %d not found", e.ServerID)
}

func NewServerNotFound(id int) error {
	return &ErrServerNotFound{ServerID: id}
}
