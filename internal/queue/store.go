package queue

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// DefaultQueue carries non-campaign background work.
const DefaultQueue = "default"

// MaxAttempts is the claim ceiling; a job claimed this many times without
// completing is moved to the dead-letter table on the next claim.
const MaxAttempts = 5

// CampaignQueue returns the dedicated queue name for a campaign.
func CampaignQueue(campaignID int) string {
	return fmt.Sprintf("campaign_%d", campaignID)
}

// Store is the durable job queue over the queue_jobs table. All cross-process
// coordination happens through it: claims are single transactions with
// row-level locks, so no in-process mutex is involved.
type Store struct {
	DB         *sql.DB
	Log        *logrus.Logger
	OwnerID    string        // stamped on reservations as reserved_by
	StaleAfter time.Duration // reservations older than this are reclaimable
}

func NewStore(conn *sql.DB, log *logrus.Logger) *Store {
	return &Store{
		DB:         conn,
		Log:        log,
		OwnerID:    uuid.NewString(),
		StaleAfter: time.Hour,
	}
}

// Enqueue inserts one unreserved, immediately eligible job.
func (s *Store) Enqueue(queue string, payload []byte, sortKey int64) (int64, error) {
	var id int64
	err := s.DB.QueryRow(`
        INSERT INTO queue_jobs (queue, payload, attempts, available_at, sort_key, created_at)
        VALUES ($1, $2, 0, now(), $3, now())
        RETURNING id
    `, queue, payload, sortKey).Scan(&id)
	return id, err
}

// EnqueueBatch inserts many jobs in one statement. Callers chunk their
// batches; this builds one multi-row VALUES insert per call.
func (s *Store) EnqueueBatch(queue string, payloads [][]byte, firstSortKey int64) error {
	if len(payloads) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO queue_jobs (queue, payload, attempts, available_at, sort_key, created_at) VALUES `)
	args := []interface{}{queue}
	argPos := 2
	for i, p := range payloads {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("($1, $%d, 0, now(), $%d, now())", argPos, argPos+1))
		args = append(args, p, firstSortKey+int64(i))
		argPos += 2
	}

	_, err := s.DB.Exec(sb.String(), args...)
	return err
}

// ClaimNext atomically claims the oldest eligible job on the queue, or
// returns (nil, nil) when none is claimable. The select takes a row lock
// with SKIP LOCKED so concurrent claimers never receive the same job. A job
// whose attempts already reached the ceiling is moved to dead_letters
// instead and the call reports no job for this tick.
func (s *Store) ClaimNext(queue string) (*model.Job, error) {
	tx, err := s.DB.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	staleBefore := time.Now().Add(-s.StaleAfter)

	var j model.Job
	var by sql.NullString
	err = tx.QueryRow(`
        SELECT id, queue, payload, attempts, reserved_at, reserved_by, available_at, sort_key, created_at
        FROM queue_jobs
        WHERE queue = $1
          AND available_at <= now()
          AND (reserved_at IS NULL OR reserved_at <= $2)
        ORDER BY sort_key ASC
        LIMIT 1
        FOR UPDATE SKIP LOCKED
    `, queue, staleBefore).Scan(
		&j.ID, &j.Queue, &j.Payload, &j.Attempts,
		&j.ReservedAt, &by, &j.AvailableAt, &j.SortKey, &j.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	j.ReservedBy = by.String

	if j.Attempts >= MaxAttempts {
		if err := deadLetterTx(tx, &j, "max attempts exceeded"); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		s.Log.WithFields(logrus.Fields{
			"job_id": j.ID, "queue": j.Queue, "attempts": j.Attempts,
		}).Warn("job dead-lettered: max attempts exceeded")
		return nil, nil
	}

	err = tx.QueryRow(`
        UPDATE queue_jobs
        SET reserved_at = now(), reserved_by = $2, attempts = attempts + 1
        WHERE id = $1
        RETURNING attempts, reserved_at
    `, j.ID, s.OwnerID).Scan(&j.Attempts, &j.ReservedAt)
	if err != nil {
		return nil, err
	}
	j.ReservedBy = s.OwnerID

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &j, nil
}

// Complete deletes the job. Deleting an already-completed job is a no-op.
func (s *Store) Complete(jobID int64) error {
	_, err := s.DB.Exec(`DELETE FROM queue_jobs WHERE id = $1`, jobID)
	return err
}

// Release clears the reservation so another claim can happen. A rate-limit
// defer is not a real failure, so those callers pass decrementAttempt=true
// to undo the claim's increment (floor 0).
func (s *Store) Release(jobID int64, decrementAttempt bool) error {
	_, err := s.DB.Exec(`
        UPDATE queue_jobs
        SET reserved_at = NULL,
            reserved_by = NULL,
            attempts = CASE WHEN $2 THEN GREATEST(attempts - 1, 0) ELSE attempts END
        WHERE id = $1
    `, jobID, decrementAttempt)
	return err
}

// ReleaseStale bulk-clears reservations held longer than olderThan,
// treating the reserving workers as crashed. Returns how many were freed.
func (s *Store) ReleaseStale(queue string, olderThan time.Duration) (int64, error) {
	res, err := s.DB.Exec(`
        UPDATE queue_jobs
        SET reserved_at = NULL, reserved_by = NULL
        WHERE queue = $1 AND reserved_at IS NOT NULL AND reserved_at <= $2
    `, queue, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeadLetter copies the job into dead_letters and deletes it from the queue.
func (s *Store) DeadLetter(job *model.Job, reason string) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deadLetterTx(tx, job, reason); err != nil {
		return err
	}
	return tx.Commit()
}

func deadLetterTx(tx *sql.Tx, job *model.Job, reason string) error {
	_, err := tx.Exec(`
        INSERT INTO dead_letters (job_id, queue, payload, attempts, reason, created_at)
        VALUES ($1, $2, $3, $4, $5, now())
    `, job.ID, job.Queue, job.Payload, job.Attempts, reason)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`DELETE FROM queue_jobs WHERE id = $1`, job.ID)
	return err
}

// Depth returns the number of unclaimed, eligible jobs on the queue.
func (s *Store) Depth(queue string) (int, error) {
	var n int
	err := s.DB.QueryRow(`
        SELECT COUNT(*) FROM queue_jobs
        WHERE queue = $1 AND reserved_at IS NULL AND available_at <= now()
    `, queue).Scan(&n)
	return n, err
}

// Counts returns ready (unclaimed, eligible) and reserved job counts.
func (s *Store) Counts(queue string) (ready, reserved int, err error) {
	err = s.DB.QueryRow(`
        SELECT
            COUNT(*) FILTER (WHERE reserved_at IS NULL AND available_at <= now()),
            COUNT(*) FILTER (WHERE reserved_at IS NOT NULL)
        FROM queue_jobs
        WHERE queue = $1
    `, queue).Scan(&ready, &reserved)
	return ready, reserved, err
}

// DeferQueue pushes every unclaimed job's eligibility to the given time.
// Used by pause: jobs stay on the queue so resume needs no re-enumeration.
func (s *Store) DeferQueue(queue string, until time.Time) (int64, error) {
	res, err := s.DB.Exec(`
        UPDATE queue_jobs SET available_at = $2
        WHERE queue = $1 AND reserved_at IS NULL
    `, queue, until)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RestoreQueue makes deferred jobs immediately eligible again.
func (s *Store) RestoreQueue(queue string) (int64, error) {
	res, err := s.DB.Exec(`
        UPDATE queue_jobs SET available_at = now()
        WHERE queue = $1 AND available_at > now()
    `, queue)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeQueue deletes every job on the queue. Used by cancel; not resumable.
func (s *Store) PurgeQueue(queue string) (int64, error) {
	res, err := s.DB.Exec(`DELETE FROM queue_jobs WHERE queue = $1`, queue)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
