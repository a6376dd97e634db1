package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dialect holds what differs between the SQL backends: bind-parameter
// syntax and column types in the schema.
type dialect struct {
	name      string
	numbered  bool   // $1, $2 (postgres) instead of ? (sqlite)
	timestamp string // column type for created_at
}

var (
	postgresDialect = dialect{name: "postgres", numbered: true, timestamp: "TIMESTAMPTZ"}
	sqliteDialect   = dialect{name: "sqlite", timestamp: "TIMESTAMP"}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}

	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id                 TEXT PRIMARY KEY,
			type               TEXT NOT NULL,
			prompt             TEXT NOT NULL,
			response           TEXT NOT NULL DEFAULT '',
			responses          TEXT NOT NULL DEFAULT '',
			model              TEXT NOT NULL DEFAULT '',
			processing_time_ms BIGINT NOT NULL DEFAULT 0,
			error              TEXT NOT NULL DEFAULT '',
			created_at         ` + d.timestamp + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_type_created ON conversations (type, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_type_prompt ON conversations (type, prompt)`,
	}
}

// sqlStore implements Store on database/sql. The postgres and sqlite
// drivers are thin constructors around it.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

// migrate creates the schema if it doesn't exist yet.
func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: creating schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

const recordColumns = `id, type, prompt, response, responses, model, processing_time_ms, error, created_at`

func (s *sqlStore) SaveConversation(ctx context.Context, rec Record) SaveResult {
	rec = prepare(rec)

	query := s.dialect.rebind(`INSERT INTO conversations (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Type, rec.Prompt, rec.Response, string(rec.Responses),
		rec.Model, rec.ProcessingTimeMs, rec.Error, rec.CreatedAt,
	)
	if err != nil {
		return saveFailed(rec.ID, fmt.Errorf("%s: inserting conversation: %w", s.dialect.name, err))
	}

	return SaveResult{Saved: true, ID: rec.ID}
}

func (s *sqlStore) FindConversationByPrompt(ctx context.Context, prompt, typ string) (*Record, error) {
	query := s.dialect.rebind(`SELECT ` + recordColumns + ` FROM conversations
		WHERE type = ? AND prompt = ?
		ORDER BY created_at DESC
		LIMIT 1`)

	return s.queryOne(ctx, query, typ, strings.TrimSpace(prompt))
}

func (s *sqlStore) GetConversation(ctx context.Context, id string) (*Record, error) {
	query := s.dialect.rebind(`SELECT ` + recordColumns + ` FROM conversations WHERE id = ?`)
	return s.queryOne(ctx, query, id)
}

func (s *sqlStore) RecentConversations(ctx context.Context, typ string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	var (
		rows *sql.Rows
		err  error
	)
	if typ == "" {
		rows, err = s.db.QueryContext(ctx, s.dialect.rebind(`SELECT `+recordColumns+` FROM conversations
			ORDER BY created_at DESC LIMIT ?`), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, s.dialect.rebind(`SELECT `+recordColumns+` FROM conversations
			WHERE type = ? ORDER BY created_at DESC LIMIT ?`), typ, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: querying recent conversations: %w", s.dialect.name, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scanning conversation: %w", s.dialect.name, err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) queryOne(ctx context.Context, query string, args ...any) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: querying conversation: %w", s.dialect.name, err)
	}
	return rec, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec       Record
		responses string
		createdAt time.Time
	)
	if err := row.Scan(
		&rec.ID, &rec.Type, &rec.Prompt, &rec.Response, &responses,
		&rec.Model, &rec.ProcessingTimeMs, &rec.Error, &createdAt,
	); err != nil {
		return nil, err
	}
	if responses != "" {
		rec.Responses = []byte(responses)
	}
	rec.CreatedAt = createdAt.UTC()
	return &rec, nil
}
