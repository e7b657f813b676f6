package repository

import (
	"database/sql"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

type SendingServerRepositoryInterface interface {
	GetByID(id int) (*model.SendingServer, error)
	IncrementSentToday(id int) error
	WindowCounts(id int) (second, minute, hour, day int, err error)
}

type SendingServerRepository struct {
	DB *sql.DB
}

func (r *SendingServerRepository) GetByID(id int) (*model.SendingServer, error) {
	query := `
        SELECT id, name, kind, host, port, username, password, api_url, api_key, from_email,
               limit_per_second, limit_per_minute, limit_per_hour, limit_per_day,
               emails_sent_today, counter_reset_on, created_at, updated_at
        FROM sending_servers
        WHERE id=$1
    `
	var s model.SendingServer
	err := r.DB.QueryRow(query, id).Scan(
		&s.ID, &s.Name, &s.Kind, &s.Host, &s.Port, &s.Username, &s.Password,
		&s.APIURL, &s.APIKey, &s.FromEmail,
		&s.LimitPerSecond, &s.LimitPerMinute, &s.LimitPerHour, &s.LimitPerDay,
		&s.EmailsSentToday, &s.CounterResetOn, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewServerNotFound(id)
		}
		return nil, err
	}
	return &s, nil
}

// IncrementSentToday bumps the calendar-day counter, resetting it first when
// the stored date rolled over.
func (r *SendingServerRepository) IncrementSentToday(id int) error {
	_, err := r.DB.Exec(`
        UPDATE sending_servers
        SET emails_sent_today = CASE WHEN counter_reset_on < CURRENT_DATE THEN 1
                                     ELSE emails_sent_today + 1 END,
            counter_reset_on = CURRENT_DATE,
            updated_at = NOW()
        WHERE id=$1
    `, id)
	return err
}

// WindowCounts aggregates delivery attempts for the server over the rolling
// second/minute/hour windows plus the calendar-day counter, in one query.
// Window counts are derived from send history rather than stored counters so
// they cannot drift; only the day counter is stored (and zeroed on rollover).
func (r *SendingServerRepository) WindowCounts(id int) (second, minute, hour, day int, err error) {
	err = r.DB.QueryRow(`
        SELECT
            COUNT(rec.id) FILTER (WHERE rec.sent_at > NOW() - INTERVAL '1 second'),
            COUNT(rec.id) FILTER (WHERE rec.sent_at > NOW() - INTERVAL '1 minute'),
            COUNT(rec.id) FILTER (WHERE rec.sent_at > NOW() - INTERVAL '1 hour'),
            CASE WHEN s.counter_reset_on < CURRENT_DATE THEN 0 ELSE s.emails_sent_today END
        FROM sending_servers s
        LEFT JOIN send_records rec
               ON rec.sending_server_id = s.id AND rec.sent_at IS NOT NULL
        WHERE s.id = $1
        GROUP BY s.emails_sent_today, s.counter_reset_on
    `, id).Scan(&second, &minute, &hour, &day)
	if err == sql.ErrNoRows {
		return 0, 0, 0, 0, appErrors.NewServerNotFound(id)
	}
	return second, minute, hour, day, err
}

var _ SendingServerRepositoryInterface = (*SendingServerRepository)(nil)
