package model

type Subscriber struct {
	ID        int    `db:"id" json:"id"`
	Email     string `db:"email" json:"email"`
	FirstName string `db:"first_name" json:"first_name"`
	LastName  string `db:"last_name" json:"last_name"`
	Status    string `db:"status" json:"status"` // active, unsubscribed, bounced
}

// Recipient is a subscriber resolved for a campaign send, tagged with the
// list it was sourced from. The same subscriber may qualify through several
// lists; the distributor de-duplicates so only one recipient survives.
type Recipient struct {
	SubscriberID int `db:"subscriber_id" json:"subscriber_id"`
	ListID       int `db:"list_id" json:"list_id"`
}

type List struct {
	ID   int    `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}
