// Package profile stores per-user settings the rest of the system reads,
// currently just the IANA timezone used for review scheduling.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codebridger/subturtle-core/internal/storage"
	logx "github.com/codebridger/subturtle-core/pkg/logx"
)

type Profile struct {
	UserID    string
	TimeZone  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResyncHook runs after a timezone write commits. The app wires it to the
// review engine so per-user cron jobs follow the new zone.
type ResyncHook func(ctx context.Context, userID string) error

type Service struct {
	db     *sql.DB
	log    logx.Logger
	resync ResyncHook
}

func New(db *storage.DB, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{db: db.Handle(), log: log.With(logx.String("component", "profile"))}
}

// SetResyncHook installs the post-write hook. Call before serving traffic.
func (s *Service) SetResyncHook(fn ResyncHook) { s.resync = fn }

// Get returns the profile, or a zero-valued one when the user has none.
func (s *Service) Get(ctx context.Context, userID string) (Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, time_zone, created_at, updated_at
		FROM profiles WHERE user_id = ?`, userID)
	var (
		prof             Profile
		tz               sql.NullString
		created, updated sql.NullString
	)
	err := row.Scan(&prof.UserID, &tz, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{UserID: userID}, nil
	}
	if err != nil {
		return Profile{}, err
	}
	prof.TimeZone = tz.String
	if prof.CreatedAt, err = storage.ParseTime(created); err != nil {
		return Profile{}, err
	}
	if prof.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return Profile{}, err
	}
	return prof, nil
}

// TimeZone returns the user's zone, empty when unset. Empty is passed
// through to schedulers as "host local", never defaulted here.
func (s *Service) TimeZone(ctx context.Context, userID string) (string, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.TimeZone, nil
}

// SetTimeZone validates and persists the zone, then invokes the resync
// hook. A failing hook is logged; the write stands and the previous
// schedule keeps firing until the next successful resync.
func (s *Service) SetTimeZone(ctx context.Context, userID, tz string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("profile: empty user id")
	}
	tz = strings.TrimSpace(tz)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("profile: time zone %q: %w", tz, err)
		}
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, time_zone, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			time_zone = excluded.time_zone,
			updated_at = excluded.updated_at`,
		userID, storage.NullStr(tz), storage.NullTime(now), storage.NullTime(now))
	if err != nil {
		return fmt.Errorf("profile: set time zone: %w", err)
	}
	if s.resync != nil {
		if err := s.resync(ctx, userID); err != nil {
			s.log.Warn("schedule resync failed",
				logx.String("user", userID), logx.String("tz", tz), logx.Err(err))
		}
	}
	return nil
}
