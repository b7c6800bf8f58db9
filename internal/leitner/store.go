package leitner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codebridger/subturtle-core/internal/storage"
)

var ErrItemNotFound = errors.New("review item not found")

// Store persists per-user systems and their items.
type Store struct {
	db *sql.DB
}

func NewStore(db *storage.DB) *Store {
	return &Store{db: db.Handle()}
}

// GetSystem loads a user's system; ok is false when none exists yet.
func (s *Store) GetSystem(ctx context.Context, userID string) (System, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, daily_limit, total_boxes, box_intervals, box_quotas,
		       auto_entry, review_hour, review_interval_days, created_at, updated_at
		FROM leitner_systems WHERE user_id = ?`, userID)

	var (
		sys                System
		intervals, quotas  string
		autoEntry          int
		created, updated   sql.NullString
	)
	err := row.Scan(&sys.UserID, &sys.Settings.DailyLimit, &sys.Settings.TotalBoxes,
		&intervals, &quotas, &autoEntry, &sys.Settings.ReviewHour,
		&sys.Settings.ReviewIntervalDays, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return System{}, false, nil
	}
	if err != nil {
		return System{}, false, err
	}
	sys.Settings.AutoEntry = autoEntry != 0
	if err := json.Unmarshal([]byte(intervals), &sys.Settings.BoxIntervals); err != nil {
		return System{}, false, fmt.Errorf("decode box intervals: %w", err)
	}
	if err := json.Unmarshal([]byte(quotas), &sys.Settings.BoxQuotas); err != nil {
		return System{}, false, fmt.Errorf("decode box quotas: %w", err)
	}
	if sys.CreatedAt, err = storage.ParseTime(created); err != nil {
		return System{}, false, err
	}
	if sys.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return System{}, false, err
	}
	return sys, true, nil
}

// CreateSystem inserts the system if absent; an existing row is untouched.
func (s *Store) CreateSystem(ctx context.Context, userID string, set Settings) error {
	intervals, quotas, err := encodeTables(set)
	if err != nil {
		return err
	}
	now := storage.NullTime(time.Now().UTC())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO leitner_systems
			(user_id, daily_limit, total_boxes, box_intervals, box_quotas,
			 auto_entry, review_hour, review_interval_days, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		userID, set.DailyLimit, set.TotalBoxes, intervals, quotas,
		boolInt(set.AutoEntry), set.ReviewHour, set.ReviewIntervalDays, now, now)
	return err
}

func (s *Store) SaveSettings(ctx context.Context, userID string, set Settings) error {
	intervals, quotas, err := encodeTables(set)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE leitner_systems SET
			daily_limit = ?, total_boxes = ?, box_intervals = ?, box_quotas = ?,
			auto_entry = ?, review_hour = ?, review_interval_days = ?, updated_at = ?
		WHERE user_id = ?`,
		set.DailyLimit, set.TotalBoxes, intervals, quotas,
		boolInt(set.AutoEntry), set.ReviewHour, set.ReviewIntervalDays,
		storage.NullTime(time.Now().UTC()), userID)
	return err
}

// ClampBoxes pulls every item above maxBox down to maxBox in one statement.
func (s *Store) ClampBoxes(ctx context.Context, userID string, maxBox int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leitner_items SET box_level = ?
		WHERE user_id = ? AND box_level > ?`, maxBox, userID, maxBox)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetItem(ctx context.Context, userID, phraseID string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, phrase_id, box_level, next_review_date,
		       last_attempt_date, consecutive_incorrect, added_at
		FROM leitner_items WHERE user_id = ? AND phrase_id = ?`, userID, phraseID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, phraseID)
	}
	return it, err
}

// PutItem inserts or fully replaces the item keyed by (user, phrase).
func (s *Store) PutItem(ctx context.Context, it Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leitner_items
			(user_id, phrase_id, box_level, next_review_date,
			 last_attempt_date, consecutive_incorrect, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, phrase_id) DO UPDATE SET
			box_level = excluded.box_level,
			next_review_date = excluded.next_review_date,
			last_attempt_date = excluded.last_attempt_date,
			consecutive_incorrect = excluded.consecutive_incorrect`,
		it.UserID, it.PhraseID, it.BoxLevel, storage.NullTime(it.NextReview),
		storage.NullTime(it.LastAttempt), it.ConsecutiveIncorrect,
		storage.NullTime(it.AddedAt))
	return err
}

func (s *Store) DeleteItem(ctx context.Context, userID, phraseID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM leitner_items WHERE user_id = ? AND phrase_id = ?`,
		userID, phraseID)
	return err
}

// ClearItems removes all of a user's items; settings are untouched.
func (s *Store) ClearItems(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leitner_items WHERE user_id = ?`, userID)
	return err
}

// DueItems returns every item due at now, most overdue first. Quota and
// limit trimming happens in the service.
func (s *Store) DueItems(ctx context.Context, userID string, now time.Time) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, phrase_id, box_level, next_review_date,
		       last_attempt_date, consecutive_incorrect, added_at
		FROM leitner_items
		WHERE user_id = ? AND next_review_date <= ?
		ORDER BY next_review_date ASC`,
		userID, storage.NullTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) CountItems(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM leitner_items WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

func scanItem(row interface{ Scan(...any) error }) (Item, error) {
	var (
		it                  Item
		next, last, added   sql.NullString
	)
	err := row.Scan(&it.UserID, &it.PhraseID, &it.BoxLevel, &next, &last,
		&it.ConsecutiveIncorrect, &added)
	if err != nil {
		return Item{}, err
	}
	if it.NextReview, err = storage.ParseTime(next); err != nil {
		return Item{}, err
	}
	if it.LastAttempt, err = storage.ParseTime(last); err != nil {
		return Item{}, err
	}
	if it.AddedAt, err = storage.ParseTime(added); err != nil {
		return Item{}, err
	}
	return it, nil
}

func encodeTables(set Settings) (string, string, error) {
	intervals, err := json.Marshal(set.BoxIntervals)
	if err != nil {
		return "", "", err
	}
	quotas, err := json.Marshal(set.BoxQuotas)
	if err != nil {
		return "", "", err
	}
	return string(intervals), string(quotas), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
