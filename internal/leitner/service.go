package leitner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/codebridger/subturtle-core/internal/board"
	"github.com/codebridger/subturtle-core/internal/jobs"
	"github.com/codebridger/subturtle-core/internal/phrase"
	logx "github.com/codebridger/subturtle-core/pkg/logx"
)

// ActivityType is the board activity key for review notifications.
const ActivityType = "leitner_review"

// Scheduler is the slice of the job scheduler the engine uses.
type Scheduler interface {
	CreateJob(ctx context.Context, name, functionID string, opts jobs.Options) error
	DeleteJob(ctx context.Context, name string) error
}

// TimeZones reads a user's zone; empty string means unset.
type TimeZones interface {
	TimeZone(ctx context.Context, userID string) (string, error)
}

// Phrases joins phrase content back onto due items.
type Phrases interface {
	GetMany(ctx context.Context, ids []string) ([]phrase.Phrase, error)
}

// DueItem is a due review item populated with its phrase content.
type DueItem struct {
	Item
	Phrase phrase.Phrase
}

type Deps struct {
	Store     *Store
	Scheduler Scheduler
	Profiles  TimeZones
	Phrases   Phrases
	Board     board.Notifier
	Log       logx.Logger
	// Defaults seeds lazily created systems; zero means DefaultSettings.
	Defaults Settings
}

type Service struct {
	store     *Store
	scheduler Scheduler
	profiles  TimeZones
	phrases   Phrases
	board     board.Notifier
	log       logx.Logger
	defaults  Settings
	now       func() time.Time
}

func New(deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Scheduler == nil || deps.Profiles == nil {
		return nil, fmt.Errorf("leitner: store, scheduler and profiles are required")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	defaults := deps.Defaults
	if defaults.TotalBoxes == 0 {
		defaults = DefaultSettings()
	}
	if err := defaults.validate(); err != nil {
		return nil, fmt.Errorf("leitner: defaults: %w", err)
	}
	return &Service{
		store:     deps.Store,
		scheduler: deps.Scheduler,
		profiles:  deps.Profiles,
		phrases:   deps.Phrases,
		board:     deps.Board,
		log:       deps.Log.With(logx.String("component", "leitner")),
		defaults:  defaults,
		now:       time.Now,
	}, nil
}

// RegisterCallback binds the review callback. Must run before the
// scheduler's Init so persisted per-user jobs reattach.
func (s *Service) RegisterCallback(reg *jobs.Registry) error {
	return reg.Register(CallbackID, s.onReviewFire)
}

// onReviewFire computes the due count and pings the board only when there
// is something to review. A zero count is silence, not a clear signal.
func (s *Service) onReviewFire(ctx context.Context, inv jobs.Invocation) error {
	userID, _ := inv.Args["user_id"].(string)
	if userID == "" {
		// Jobs created before the args convention carried the user in
		// the job name.
		if u, ok := UserFromJobName(inv.Job); ok {
			userID = u
		} else {
			return fmt.Errorf("review fire %s: no user id", inv.Job)
		}
	}
	due, err := s.GetDueCount(ctx, userID)
	if err != nil {
		return fmt.Errorf("review fire %s: %w", inv.Job, err)
	}
	if due == 0 {
		return nil
	}
	s.notify(ctx, userID, due, true, true)
	return nil
}

// ensureInitialized lazily creates the default system. Every public
// operation goes through it.
func (s *Service) ensureInitialized(ctx context.Context, userID string) (System, error) {
	if strings.TrimSpace(userID) == "" {
		return System{}, fmt.Errorf("leitner: empty user id")
	}
	sys, ok, err := s.store.GetSystem(ctx, userID)
	if err != nil {
		return System{}, err
	}
	if ok {
		return sys, nil
	}
	if err := s.store.CreateSystem(ctx, userID, s.defaults); err != nil {
		return System{}, err
	}
	// Re-read instead of assuming the insert won: a concurrent call may
	// have created it first.
	sys, _, err = s.store.GetSystem(ctx, userID)
	return sys, err
}

// AddPhrase tracks a phrase. Re-adding a tracked phrase at box 1 resets it
// to box 1 due now; re-adding at any other level is a no-op.
func (s *Service) AddPhrase(ctx context.Context, userID, phraseID string, boxLevel int) error {
	sys, err := s.ensureInitialized(ctx, userID)
	if err != nil {
		return err
	}
	if boxLevel < 1 {
		boxLevel = 1
	}
	if boxLevel > sys.Settings.TotalBoxes {
		boxLevel = sys.Settings.TotalBoxes
	}
	now := s.now().UTC()

	existing, err := s.store.GetItem(ctx, userID, phraseID)
	switch {
	case err == nil:
		if boxLevel != 1 {
			return nil
		}
		existing.BoxLevel = 1
		existing.NextReview = now
		existing.ConsecutiveIncorrect = 0
		return s.store.PutItem(ctx, existing)
	case errors.Is(err, ErrItemNotFound):
		return s.store.PutItem(ctx, Item{
			UserID:     userID,
			PhraseID:   phraseID,
			BoxLevel:   boxLevel,
			NextReview: now,
			AddedAt:    now,
		})
	default:
		return err
	}
}

// AutoEntry adds a freshly saved phrase to box 1 when the user opted in.
// Wired as the phrase store's saved hook.
func (s *Service) AutoEntry(ctx context.Context, userID, phraseID string) error {
	sys, err := s.ensureInitialized(ctx, userID)
	if err != nil {
		return err
	}
	if !sys.Settings.AutoEntry {
		return nil
	}
	return s.AddPhrase(ctx, userID, phraseID, 1)
}

// RemovePhrase drops the item; phrase content is untouched.
func (s *Service) RemovePhrase(ctx context.Context, userID, phraseID string) error {
	if _, err := s.ensureInitialized(ctx, userID); err != nil {
		return err
	}
	return s.store.DeleteItem(ctx, userID, phraseID)
}

// GetDueItems selects due items under per-box quotas, most overdue first
// within each box, joined with phrase content. The result is capped by
// limit and the daily limit, whichever is smaller (limit <= 0 means
// daily limit only).
func (s *Service) GetDueItems(ctx context.Context, userID string, limit int) ([]DueItem, error) {
	sys, err := s.ensureInitialized(ctx, userID)
	if err != nil {
		return nil, err
	}
	selected, err := s.selectDue(ctx, userID, sys.Settings, limit)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, nil
	}

	out := make([]DueItem, len(selected))
	for i, it := range selected {
		out[i] = DueItem{Item: it}
	}
	if s.phrases == nil {
		return out, nil
	}
	ids := make([]string, len(selected))
	for i, it := range selected {
		ids[i] = it.PhraseID
	}
	content, err := s.phrases.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("leitner: load phrases: %w", err)
	}
	byID := make(map[string]phrase.Phrase, len(content))
	for _, p := range content {
		byID[p.ID] = p
	}
	for i := range out {
		out[i].Phrase = byID[out[i].PhraseID]
	}
	return out, nil
}

// GetDueCount is the count-only variant the review callback uses.
func (s *Service) GetDueCount(ctx context.Context, userID string) (int, error) {
	sys, err := s.ensureInitialized(ctx, userID)
	if err != nil {
		return 0, err
	}
	selected, err := s.selectDue(ctx, userID, sys.Settings, 0)
	if err != nil {
		return 0, err
	}
	return len(selected), nil
}

// selectDue applies the quota policy: bucket by box, per box keep at most
// the quota, most overdue first, then cap the aggregate.
func (s *Service) selectDue(ctx context.Context, userID string, set Settings, limit int) ([]Item, error) {
	due, err := s.store.DueItems(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}

	// DueItems orders by next_review_date ascending, so each bucket is
	// already most overdue first.
	buckets := map[int][]Item{}
	for _, it := range due {
		buckets[it.BoxLevel] = append(buckets[it.BoxLevel], it)
	}
	boxes := make([]int, 0, len(buckets))
	for b := range buckets {
		boxes = append(boxes, b)
	}
	sort.Ints(boxes)

	var selected []Item
	for _, b := range boxes {
		items := buckets[b]
		if q := set.quota(b); q > 0 && len(items) > q {
			items = items[:q]
		}
		selected = append(selected, items...)
	}

	total := set.DailyLimit
	if limit > 0 && limit < total {
		total = limit
	}
	if total > 0 && len(selected) > total {
		selected = selected[:total]
	}
	return selected, nil
}

// SubmitReview applies the two-strikes policy and reschedules by the new
// level's interval.
func (s *Service) SubmitReview(ctx context.Context, userID, phraseID string, correct bool) (Item, error) {
	sys, err := s.ensureInitialized(ctx, userID)
	if err != nil {
		return Item{}, err
	}
	it, err := s.store.GetItem(ctx, userID, phraseID)
	if err != nil {
		return Item{}, err
	}
	now := s.now().UTC()

	switch {
	case correct:
		if it.BoxLevel < sys.Settings.TotalBoxes {
			it.BoxLevel++
		}
		it.ConsecutiveIncorrect = 0
	case it.ConsecutiveIncorrect == 0:
		// First miss costs one level.
		if it.BoxLevel > 1 {
			it.BoxLevel--
		}
		it.ConsecutiveIncorrect = 1
	default:
		// Second consecutive miss collapses to box 1.
		it.BoxLevel = 1
		it.ConsecutiveIncorrect++
	}
	it.NextReview = now.AddDate(0, 0, sys.Settings.interval(it.BoxLevel))
	it.LastAttempt = now

	if err := s.store.PutItem(ctx, it); err != nil {
		return Item{}, err
	}
	return it, nil
}

// GetSettings returns the user's current settings, creating the system if
// needed.
func (s *Service) GetSettings(ctx context.Context, userID string) (Settings, error) {
	sys, err := s.ensureInitialized(ctx, userID)
	if err != nil {
		return Settings{}, err
	}
	return sys.Settings, nil
}

// UpdateSettings merges the patch, clamps items if the box count shrank
// and resynchronizes the review job. A failed resync leaves the previous
// schedule active; the settings write stands.
func (s *Service) UpdateSettings(ctx context.Context, userID string, patch SettingsPatch) (Settings, error) {
	sys, err := s.ensureInitialized(ctx, userID)
	if err != nil {
		return Settings{}, err
	}
	merged := patch.apply(sys.Settings)
	if err := merged.validate(); err != nil {
		return Settings{}, fmt.Errorf("leitner: settings: %w", err)
	}
	if err := s.store.SaveSettings(ctx, userID, merged); err != nil {
		return Settings{}, err
	}
	if merged.TotalBoxes < sys.Settings.TotalBoxes {
		n, err := s.store.ClampBoxes(ctx, userID, merged.TotalBoxes)
		if err != nil {
			return Settings{}, err
		}
		if n > 0 {
			s.log.Info("clamped items to new box count",
				logx.String("user", userID), logx.Int64("items", n),
				logx.Int("boxes", merged.TotalBoxes))
		}
	}
	if err := s.syncReviewJob(ctx, userID, merged); err != nil {
		s.log.Warn("review job sync failed",
			logx.String("user", userID), logx.Err(err))
	}
	return merged, nil
}

// ResyncSchedule re-derives the user's review job. Invoked by the profile
// service when the timezone changes.
func (s *Service) ResyncSchedule(ctx context.Context, userID string) error {
	sys, err := s.ensureInitialized(ctx, userID)
	if err != nil {
		return err
	}
	return s.syncReviewJob(ctx, userID, sys.Settings)
}

func (s *Service) syncReviewJob(ctx context.Context, userID string, set Settings) error {
	tz, err := s.profiles.TimeZone(ctx, userID)
	if err != nil {
		return fmt.Errorf("read time zone: %w", err)
	}
	expr := reviewCron(set.ReviewHour, set.ReviewIntervalDays)
	err = s.scheduler.CreateJob(ctx, ReviewJobName(userID), CallbackID, jobs.Options{
		CronExpr: expr,
		TimeZone: tz,
		Args:     map[string]any{"user_id": userID},
		CatchUp:  true,
	})
	if err != nil {
		return err
	}
	s.log.Debug("review job synced",
		logx.String("user", userID), logx.String("cron", expr),
		logx.String("tz", tz))
	return nil
}

// ResetSystem clears all items, keeps settings and emits an explicit idle
// signal, unlike the silent zero-due case on a normal fire.
func (s *Service) ResetSystem(ctx context.Context, userID string) error {
	if _, err := s.ensureInitialized(ctx, userID); err != nil {
		return err
	}
	if err := s.store.ClearItems(ctx, userID); err != nil {
		return err
	}
	s.notify(ctx, userID, 0, false, false)
	return nil
}

func (s *Service) notify(ctx context.Context, userID string, due int, active, toast bool) {
	if s.board == nil {
		return
	}
	s.board.RefreshActivity(ctx, userID, ActivityType,
		map[string]any{"dueCount": due, "isActive": active},
		board.Options{Toast: toast, ToastType: "singleton", Persistent: true})
}
