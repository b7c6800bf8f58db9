// Package phrase stores the user-owned phrase content that review items
// reference by id. The review engine never owns this content; it joins it
// back in when due items are served.
package phrase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codebridger/subturtle-core/internal/storage"
	logx "github.com/codebridger/subturtle-core/pkg/logx"
)

var ErrNotFound = errors.New("phrase not found")

type Phrase struct {
	ID          string
	UserID      string
	Text        string
	Translation string
	Language    string
	CreatedAt   time.Time
}

// SavedHook runs after a phrase is persisted. The app wires it to the
// review engine's auto-entry; failures are logged and do not fail the save.
type SavedHook func(ctx context.Context, userID, phraseID string) error

type Service struct {
	db      *sql.DB
	log     logx.Logger
	onSaved SavedHook
}

func New(db *storage.DB, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{db: db.Handle(), log: log.With(logx.String("component", "phrase"))}
}

// SetSavedHook installs the post-save hook. Call before serving traffic.
func (s *Service) SetSavedHook(fn SavedHook) { s.onSaved = fn }

// Save persists the phrase, assigning an id when absent, and runs the
// saved hook. Hook failures are logged; the save stands.
func (s *Service) Save(ctx context.Context, p Phrase) (Phrase, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return Phrase{}, fmt.Errorf("phrase: empty user id")
	}
	if strings.TrimSpace(p.Text) == "" {
		return Phrase{}, fmt.Errorf("phrase: empty text")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phrases (id, user_id, text, translation, language, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			translation = excluded.translation,
			language = excluded.language`,
		p.ID, p.UserID, p.Text, storage.NullStr(p.Translation),
		storage.NullStr(p.Language), storage.NullTime(p.CreatedAt))
	if err != nil {
		return Phrase{}, fmt.Errorf("phrase: save: %w", err)
	}
	if s.onSaved != nil {
		if err := s.onSaved(ctx, p.UserID, p.ID); err != nil {
			s.log.Warn("saved hook failed",
				logx.String("phrase", p.ID), logx.Err(err))
		}
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (Phrase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, text, translation, language, created_at
		FROM phrases WHERE id = ?`, id)
	p, err := scanPhrase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Phrase{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

// GetMany returns the phrases for the given ids. Missing ids are skipped,
// not errors; callers join on what comes back.
func (s *Service) GetMany(ctx context.Context, ids []string) ([]Phrase, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, text, translation, language, created_at
		FROM phrases WHERE id IN (`+placeholders[:len(placeholders)-1]+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Phrase
	for rows.Next() {
		p, err := scanPhrase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]Phrase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, text, translation, language, created_at
		FROM phrases WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Phrase
	for rows.Next() {
		p, err := scanPhrase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes the phrase. Deleting an unknown id is a no-op.
func (s *Service) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM phrases WHERE id = ?`, id)
	return err
}

func scanPhrase(row interface{ Scan(...any) error }) (Phrase, error) {
	var (
		p           Phrase
		trans, lang sql.NullString
		created     sql.NullString
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Text, &trans, &lang, &created); err != nil {
		return Phrase{}, err
	}
	p.Translation = trans.String
	p.Language = lang.String
	var err error
	if p.CreatedAt, err = storage.ParseTime(created); err != nil {
		return Phrase{}, err
	}
	return p, nil
}
