// Package board keeps one activity row per (user, type) and fans refresh
// events out on the bus. It is the notification surface the review engine
// talks to; callers treat it as fire-and-forget.
package board

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/codebridger/subturtle-core/internal/eventbus"
	"github.com/codebridger/subturtle-core/internal/storage"
	logx "github.com/codebridger/subturtle-core/pkg/logx"
)

const EventRefresh = "activity.refresh"

// Options shapes how a refresh surfaces to the user.
type Options struct {
	Toast      bool
	ToastType  string // e.g. "singleton": replaces any pending toast of the same type
	RefID      string
	Persistent bool
}

// Notifier is the contract domain services depend on. RefreshActivity
// never returns an error; failures are logged here and swallowed.
type Notifier interface {
	RefreshActivity(ctx context.Context, userID, typ string, meta map[string]any, opts Options)
}

type Activity struct {
	UserID     string
	Type       string
	Meta       map[string]any
	IsActive   bool
	Persistent bool
	RefID      string
	UpdatedAt  time.Time
}

// RefreshEvent is the bus payload for EventRefresh.
type RefreshEvent struct {
	UserID string         `json:"user_id"`
	Type   string         `json:"type"`
	Meta   map[string]any `json:"meta,omitempty"`
	Active bool           `json:"active"`
	Toast  bool           `json:"toast"`
}

// Config tunes per-user toast delivery. Zero values fall back to one
// toast per 30s with a burst of 3.
type Config struct {
	ToastEvery time.Duration
	ToastBurst int
}

func (c Config) normalized() Config {
	if c.ToastEvery <= 0 {
		c.ToastEvery = 30 * time.Second
	}
	if c.ToastBurst <= 0 {
		c.ToastBurst = 3
	}
	return c
}

type Service struct {
	cfg Config
	db  *sql.DB
	bus eventbus.Bus
	log logx.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, db *storage.DB, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.normalized(),
		db:       db.Handle(),
		bus:      bus,
		log:      log.With(logx.String("component", "board")),
		limiters: map[string]*rate.Limiter{},
	}
}

// RefreshActivity upserts the activity row and publishes a refresh event.
// Toast delivery is rate limited per user so a burst of review updates
// does not spam the client.
func (s *Service) RefreshActivity(ctx context.Context, userID, typ string, meta map[string]any, opts Options) {
	active := isActive(meta)

	var metaJSON any
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			s.log.Error("encode activity meta",
				logx.String("user", userID), logx.String("type", typ), logx.Err(err))
			return
		}
		metaJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO board_activities (user_id, type, meta, is_active, persistent, ref_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, type) DO UPDATE SET
			meta = excluded.meta,
			is_active = excluded.is_active,
			persistent = excluded.persistent,
			ref_id = excluded.ref_id,
			updated_at = excluded.updated_at`,
		userID, typ, metaJSON, boolInt(active), boolInt(opts.Persistent),
		storage.NullStr(opts.RefID), storage.NullTime(time.Now().UTC()))
	if err != nil {
		s.log.Error("persist activity",
			logx.String("user", userID), logx.String("type", typ), logx.Err(err))
		return
	}

	toast := opts.Toast
	if toast && !s.allowToast(userID) {
		s.log.Debug("toast suppressed by rate limit", logx.String("user", userID))
		toast = false
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventRefresh, Data: RefreshEvent{
			UserID: userID,
			Type:   typ,
			Meta:   meta,
			Active: active,
			Toast:  toast,
		}})
	}
	s.log.Debug("activity refreshed",
		logx.String("user", userID), logx.String("type", typ),
		logx.Bool("active", active), logx.Bool("toast", toast))
}

// Activities returns the persisted activities for a user.
func (s *Service) Activities(ctx context.Context, userID string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, type, meta, is_active, persistent, ref_id, updated_at
		FROM board_activities WHERE user_id = ? ORDER BY type`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var (
			a           Activity
			meta, ref   sql.NullString
			act, pers   int
			updated     sql.NullString
		)
		if err := rows.Scan(&a.UserID, &a.Type, &meta, &act, &pers, &ref, &updated); err != nil {
			return nil, err
		}
		a.IsActive = act != 0
		a.Persistent = pers != 0
		a.RefID = ref.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &a.Meta); err != nil {
				return nil, err
			}
		}
		if a.UpdatedAt, err = storage.ParseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// allowToast permits a small burst then the configured steady rate per user.
func (s *Service) allowToast(userID string) bool {
	s.mu.Lock()
	lim, ok := s.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.cfg.ToastEvery), s.cfg.ToastBurst)
		s.limiters[userID] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

func isActive(meta map[string]any) bool {
	v, ok := meta["isActive"]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	return !ok || b
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
