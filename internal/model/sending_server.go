package model

import "time"

// SendingServer is one configured SMTP or API delivery endpoint. Rate
// ceilings are optional per window; a nil ceiling means unlimited. Window
// counts are derived from recent send history; only the daily counter is
// stored, reset once per calendar day.
type SendingServer struct {
	ID              int        `db:"id" json:"id"`
	Name            string     `db:"name" json:"name"`
	Kind            string     `db:"kind" json:"kind"` // smtp, api
	Host            string     `db:"host" json:"host"`
	Port            int        `db:"port" json:"port"`
	Username        string     `db:"username" json:"username"`
	Password        string     `db:"password" json:"-"`
	APIURL          string     `db:"api_url" json:"api_url"`
	APIKey          string     `db:"api_key" json:"-"`
	FromEmail       string     `db:"from_email" json:"from_email"`
	LimitPerSecond  *int       `db:"limit_per_second" json:"limit_per_second,omitempty"`
	LimitPerMinute  *int       `db:"limit_per_minute" json:"limit_per_minute,omitempty"`
	LimitPerHour    *int       `db:"limit_per_hour" json:"limit_per_hour,omitempty"`
	LimitPerDay     *int       `db:"limit_per_day" json:"limit_per_day,omitempty"`
	EmailsSentToday int        `db:"emails_sent_today" json:"emails_sent_today"`
	CounterResetOn  time.Time  `db:"counter_reset_on" json:"counter_reset_on"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}
