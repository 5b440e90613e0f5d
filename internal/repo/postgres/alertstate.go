package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"adwatch/internal/domain"
	"adwatch/internal/repo"
)

func (s *Store) GetState(ctx context.Context, key string) (*repo.AlertState, error) {
	const q = `SELECT last_level, last_alive, last_sent_at FROM alert_states WHERE key = $1`
	var st repo.AlertState
	st.Key = key
	var level int
	var lastSent *time.Time
	err := s.pool.QueryRow(ctx, q, key).Scan(&level, &st.LastAlive, &lastSent)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get alert state: %w", err)
	}
	st.LastLevel = domain.AlertLevel(level)
	st.LastSentAt = lastSent
	return &st, nil
}

func (s *Store) SetState(ctx context.Context, key string, level domain.AlertLevel, alive bool, sentAt time.Time) error {
	const q = `
		INSERT INTO alert_states (key, last_level, last_alive, last_sent_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key)
		DO UPDATE SET last_level=EXCLUDED.last_level, last_alive=EXCLUDED.last_alive,
		              last_sent_at=EXCLUDED.last_sent_at
	`
	var ts *time.Time
	if !sentAt.IsZero() {
		ts = &sentAt
	}
	if _, err := s.pool.Exec(ctx, q, key, int(level), alive, ts); err != nil {
		return fmt.Errorf("set alert state: %w", err)
	}
	return nil
}
