package postgres

import "fmt"

// queries holds every statement used by the provider, rendered for one
// schema. The schema is validated against schemaPattern before it gets here.
type queries struct {
	schema          []string
	insert          string
	fetch           string
	ack             string
	release         string
	deadLetter      string
	pendingCount    string
	deadLetterCount string
	replay          string
}

func newQueries(schema string) queries {
	// #nosec G201 -- schema name is validated
	return queries{
		schema: []string{
			fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.messages (
	id             BIGSERIAL PRIMARY KEY,
	message_id     TEXT NOT NULL,
	queue          TEXT NOT NULL,
	payload        JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	locked_until   TIMESTAMPTZ,
	lock_token     TEXT,
	delivery_count INTEGER NOT NULL DEFAULT 0
)`, schema),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS messages_queue_idx ON %s.messages (queue, id)`, schema),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.dead_letters (
	id             BIGSERIAL PRIMARY KEY,
	message_id     TEXT NOT NULL,
	queue          TEXT NOT NULL,
	payload        JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	delivery_count INTEGER NOT NULL,
	failed_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, schema),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS dead_letters_queue_idx ON %s.dead_letters (queue, id)`, schema),
		},

		insert: fmt.Sprintf(`INSERT INTO %s.messages (message_id, queue, payload) VALUES ($1, $2, $3)`, schema),

		fetch: fmt.Sprintf(`UPDATE %[1]s.messages
SET locked_until = NOW() + ($2::float8 * INTERVAL '1 second'),
    lock_token = $3,
    delivery_count = delivery_count + 1
WHERE id = (
	SELECT id FROM %[1]s.messages
	WHERE queue = $1 AND (locked_until IS NULL OR locked_until < NOW())
	ORDER BY id
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING id, message_id, payload, created_at, delivery_count`, schema),

		ack: fmt.Sprintf(`DELETE FROM %s.messages WHERE id = $1 AND lock_token = $2`, schema),

		release: fmt.Sprintf(`UPDATE %s.messages SET locked_until = NULL, lock_token = NULL
WHERE id = $1 AND lock_token = $2`, schema),

		deadLetter: fmt.Sprintf(`WITH moved AS (
	DELETE FROM %[1]s.messages WHERE id = $1 AND lock_token = $2
	RETURNING message_id, queue, payload, created_at, delivery_count
)
INSERT INTO %[1]s.dead_letters (message_id, queue, payload, created_at, delivery_count)
SELECT message_id, queue, payload, created_at, delivery_count FROM moved`, schema),

		pendingCount: fmt.Sprintf(`SELECT COUNT(*) FROM %s.messages WHERE queue = $1`, schema),

		deadLetterCount: fmt.Sprintf(`SELECT COUNT(*) FROM %s.dead_letters WHERE queue = $1`, schema),

		replay: fmt.Sprintf(`WITH replayed AS (
	DELETE FROM %[1]s.dead_letters WHERE queue = $1
	RETURNING id, message_id, queue, payload, created_at
)
INSERT INTO %[1]s.messages (message_id, queue, payload, created_at)
SELECT message_id, queue, payload, created_at FROM replayed ORDER BY id`, schema),
	}
}
