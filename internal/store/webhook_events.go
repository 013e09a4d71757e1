package store

import (
	"context"
	"database/sql"
	"errors"
)

// InsertWebhookEventIfAbsent records an inbound provider event before
// processing. Returns inserted=false with the existing status when the
// event id has been seen before, which lets the caller short-circuit
// redeliveries of already-processed events.
func (s *Store) InsertWebhookEventIfAbsent(ctx context.Context, provider, externalEventID, eventType, payloadHash string) (bool, string, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO webhook_events (provider, external_event_id, event_type, payload_hash)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (provider, external_event_id) DO NOTHING`,
		provider, externalEventID, eventType, payloadHash)
	if err != nil {
		return false, "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if affected > 0 {
		return true, "", nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT status FROM webhook_events WHERE provider = $1 AND external_event_id = $2`,
		provider, externalEventID)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", errors.New("webhook event disappeared during dedup check")
		}
		return false, "", err
	}
	return false, status, nil
}

func (s *Store) UpdateWebhookEventStatus(ctx context.Context, provider, externalEventID, status, lastError string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE webhook_events
		SET status = $3, last_error = $4, processed_at = CASE WHEN $3 = 'processed' THEN now() ELSE processed_at END
		WHERE provider = $1 AND external_event_id = $2`,
		provider, externalEventID, status, lastError)
	return err
}
