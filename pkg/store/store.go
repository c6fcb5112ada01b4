// Package store is the relay's Postgres access layer: users for admission,
// voice session records, and the per-user-per-day usage ledger.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

type User struct {
	ID     string
	Email  string
	Active bool
}

type SessionRecord struct {
	ID              string
	UserID          string
	ConversationID  string
	Status          string
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int
}

const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
)

type Store struct {
	pool *pgxpool.Pool
}

func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("store is not connected")
	}
	return s.pool.Ping(ctx)
}

// LookupUser returns the user by id; ErrNotFound if no such user exists.
// Admission additionally requires User.Active.
func (s *Store) LookupUser(ctx context.Context, id string) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, email, active FROM users WHERE id = $1`, id)

	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return &u, nil
}

// InsertSession persists a new active session row. Admission treats a
// failure here as a refusal: no ledger write, no client acceptance.
func (s *Store) InsertSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (id, user_id, conversation_id, status, started_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		rec.ID, rec.UserID, rec.ConversationID, SessionStatusActive, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// CompleteSession marks the session row terminal with its end time and
// duration rounded to whole seconds.
func (s *Store) CompleteSession(ctx context.Context, sessionID string, endedAt time.Time, durationSeconds int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_sessions
		 SET status = $2, ended_at = $3, duration_seconds = $4
		 WHERE id = $1`,
		sessionID, SessionStatusCompleted, endedAt, durationSeconds)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TodayVoiceMinutes reads the minutes the user has consumed today (UTC day),
// used for quota admission. A missing row means zero.
func (s *Store) TodayVoiceMinutes(ctx context.Context, userID string) (float64, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT minutes FROM voice_usage_daily WHERE user_id = $1 AND day = $2`,
		userID, utcDay(time.Now()))

	var minutes float64
	if err := row.Scan(&minutes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read voice minutes: %w", err)
	}
	return minutes, nil
}

// AddVoiceMinutes atomically adds elapsed minutes to today's ledger entry.
// This is the relay's only ledger write, performed once per session at
// shutdown.
func (s *Store) AddVoiceMinutes(ctx context.Context, userID string, minutes float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_usage_daily (user_id, day, minutes)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, day)
		 DO UPDATE SET minutes = voice_usage_daily.minutes + EXCLUDED.minutes`,
		userID, utcDay(time.Now()), minutes)
	if err != nil {
		return fmt.Errorf("add voice minutes: %w", err)
	}
	return nil
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
