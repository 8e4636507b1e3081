package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// ChangeChannel is the NOTIFY channel carrying row-level change events.
const ChangeChannel = "dm_changes"

// Connect opens the database connection and runs migrations.
func Connect(ctx context.Context, dsn string, logger zerolog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Msg("database migrations applied")
	return db, nil
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	migrations := []string{
		`CREATE EXTENSION IF NOT EXISTS pgcrypto;`,
		`CREATE TABLE IF NOT EXISTS profiles (
            id UUID PRIMARY KEY,
            username TEXT NOT NULL,
            display_name TEXT NOT NULL DEFAULT '',
            avatar_url TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS conversations (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            pair_key TEXT UNIQUE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            last_activity_at TIMESTAMPTZ
        );`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id UUID NOT NULL,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            last_read_at TIMESTAMPTZ,
            PRIMARY KEY (conversation_id, user_id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_participants_user ON conversation_participants(user_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id UUID NOT NULL,
            content TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
            deleted_at TIMESTAMPTZ,
            is_edited BOOLEAN NOT NULL DEFAULT FALSE,
            edited_at TIMESTAMPTZ,
            expires_at TIMESTAMPTZ NOT NULL,
            client_token UUID NOT NULL UNIQUE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);`,
		// Bumps last activity and fans one notification out per participant so that the
		// change feed is scoped to the recipient by the store.
		`CREATE OR REPLACE FUNCTION dm_message_inserted() RETURNS trigger AS $$
        DECLARE
            p RECORD;
        BEGIN
            UPDATE conversations SET last_activity_at = NEW.created_at WHERE id = NEW.conversation_id;
            FOR p IN SELECT user_id FROM conversation_participants WHERE conversation_id = NEW.conversation_id LOOP
                PERFORM pg_notify('` + ChangeChannel + `', json_build_object(
                    'table', 'messages',
                    'operation', 'INSERT',
                    'recipient_id', p.user_id,
                    'row', json_build_object(
                        'id', NEW.id,
                        'conversation_id', NEW.conversation_id,
                        'sender_id', NEW.sender_id,
                        'created_at', NEW.created_at
                    )
                )::text);
            END LOOP;
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql;`,
		`DROP TRIGGER IF EXISTS trg_dm_message_inserted ON messages;`,
		`CREATE TRIGGER trg_dm_message_inserted AFTER INSERT ON messages
            FOR EACH ROW EXECUTE FUNCTION dm_message_inserted();`,
		`CREATE OR REPLACE FUNCTION dm_participant_inserted() RETURNS trigger AS $$
        BEGIN
            PERFORM pg_notify('` + ChangeChannel + `', json_build_object(
                'table', 'conversation_participants',
                'operation', 'INSERT',
                'recipient_id', NEW.user_id,
                'row', json_build_object(
                    'conversation_id', NEW.conversation_id,
                    'user_id', NEW.user_id,
                    'joined_at', NEW.joined_at
                )
            )::text);
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql;`,
		`DROP TRIGGER IF EXISTS trg_dm_participant_inserted ON conversation_participants;`,
		`CREATE TRIGGER trg_dm_participant_inserted AFTER INSERT ON conversation_participants
            FOR EACH ROW EXECUTE FUNCTION dm_participant_inserted();`,
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
