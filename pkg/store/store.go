// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists tool definitions, skills, credentials and run
// history in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/errors"
)

const defaultRetention = 200

const schema = `
CREATE TABLE IF NOT EXISTS tools (
	name        TEXT PRIMARY KEY,
	definition  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS skills (
	name        TEXT PRIMARY KEY,
	definition  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS credentials (
	name        TEXT PRIMARY KEY,
	value       TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	skill       TEXT NOT NULL,
	status      TEXT NOT NULL,
	result      TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
`

// Store wraps one SQLite database. It satisfies the run recorder and
// credential source collaborator interfaces.
type Store struct {
	db        *sql.DB
	retention int
}

// Open opens or creates the database at path. retention caps the run
// history; zero means the default of 200.
func Open(path string, retention int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "open database", err).
			WithContext("path", path)
	}
	// modernc sqlite serializes writes itself; one connection avoids
	// SQLITE_BUSY under concurrent runs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.New(errors.CodeInternal, "apply schema", err)
	}

	if retention <= 0 {
		retention = defaultRetention
	}
	return &Store{db: db, retention: retention}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTool inserts or replaces a tool definition.
func (s *Store) SaveTool(ctx context.Context, tool core.Tool) error {
	return s.saveDefinition(ctx, "tools", tool.Name, tool)
}

// GetTool loads one tool definition by name.
func (s *Store) GetTool(ctx context.Context, name string) (core.Tool, error) {
	var tool core.Tool
	err := s.loadDefinition(ctx, "tools", name, &tool)
	return tool, err
}

// ListTools loads every stored tool definition.
func (s *Store) ListTools(ctx context.Context) ([]core.Tool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM tools ORDER BY name`)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "list tools", err)
	}
	defer rows.Close()

	var tools []core.Tool
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.New(errors.CodeInternal, "scan tool", err)
		}
		var tool core.Tool
		if err := json.Unmarshal([]byte(raw), &tool); err != nil {
			slog.Default().Warn("store.tool.corrupt", slog.String("error", err.Error()))
			continue
		}
		tools = append(tools, tool)
	}
	return tools, rows.Err()
}

// DeleteTool removes a tool definition.
func (s *Store) DeleteTool(ctx context.Context, name string) error {
	return s.deleteDefinition(ctx, "tools", name)
}

// SaveSkill inserts or replaces a skill definition.
func (s *Store) SaveSkill(ctx context.Context, skill core.Skill) error {
	return s.saveDefinition(ctx, "skills", skill.Name, skill)
}

// GetSkill loads one skill definition by name.
func (s *Store) GetSkill(ctx context.Context, name string) (core.Skill, error) {
	var skill core.Skill
	err := s.loadDefinition(ctx, "skills", name, &skill)
	return skill, err
}

// ListSkills loads every stored skill definition.
func (s *Store) ListSkills(ctx context.Context) ([]core.Skill, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM skills ORDER BY name`)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "list skills", err)
	}
	defer rows.Close()

	var skills []core.Skill
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.New(errors.CodeInternal, "scan skill", err)
		}
		var skill core.Skill
		if err := json.Unmarshal([]byte(raw), &skill); err != nil {
			slog.Default().Warn("store.skill.corrupt", slog.String("error", err.Error()))
			continue
		}
		skills = append(skills, skill)
	}
	return skills, rows.Err()
}

// DeleteSkill removes a skill definition.
func (s *Store) DeleteSkill(ctx context.Context, name string) error {
	return s.deleteDefinition(ctx, "skills", name)
}

// SetCredential stores a credential value under a name.
func (s *Store) SetCredential(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(name, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		name, value, now())
	if err != nil {
		return errors.New(errors.CodeInternal, "set credential", err).
			WithContext("name", name)
	}
	return nil
}

// Credential implements the sandbox credential source. Absent names return
// ok=false; lookup failures are logged and treated as absent.
func (s *Store) Credential(ctx context.Context, name string) (string, bool) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		slog.Default().Warn("store.credential.error",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	return value, true
}

// RecordRun appends a terminated run to the history and prunes rows beyond
// the retention cap, oldest first.
func (s *Store) RecordRun(ctx context.Context, result core.RunResult) error {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errors.New(errors.CodeInternal, "marshal run", err).
			WithContext("run_id", result.ID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs(id, skill, status, result, started_at, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		result.ID, result.Skill, string(result.Status), string(raw),
		result.StartedAt.UTC().Format(time.RFC3339Nano), now())
	if err != nil {
		return errors.New(errors.CodeInternal, "record run", err).
			WithContext("run_id", result.ID)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY created_at DESC, id DESC LIMIT ?
		)`, s.retention)
	if err != nil {
		return errors.New(errors.CodeInternal, "prune runs", err)
	}
	return nil
}

// GetRun loads one run result by id.
func (s *Store) GetRun(ctx context.Context, id string) (core.RunResult, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM runs WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return core.RunResult{}, errors.New(errors.CodeNotFound,
			fmt.Sprintf("run %q not found", id), nil)
	}
	if err != nil {
		return core.RunResult{}, errors.New(errors.CodeInternal, "load run", err)
	}
	var result core.RunResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return core.RunResult{}, errors.New(errors.CodeInternal, "decode run", err)
	}
	return result, nil
}

// ListRuns returns up to limit run results, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]core.RunResult, error) {
	if limit <= 0 {
		limit = s.retention
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT result FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "list runs", err)
	}
	defer rows.Close()

	var results []core.RunResult
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.New(errors.CodeInternal, "scan run", err)
		}
		var result core.RunResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			slog.Default().Warn("store.run.corrupt", slog.String("error", err.Error()))
			continue
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func (s *Store) saveDefinition(ctx context.Context, table, name string, def any) error {
	if name == "" {
		return errors.New(errors.CodeInvalidInput, "definition name is empty", nil)
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return errors.New(errors.CodeInternal, "marshal definition", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+`(name, definition, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET definition=excluded.definition, updated_at=excluded.updated_at`,
		name, string(raw), now())
	if err != nil {
		return errors.New(errors.CodeInternal, "save definition", err).
			WithContext("table", table).
			WithContext("name", name)
	}
	return nil
}

func (s *Store) loadDefinition(ctx context.Context, table, name string, out any) error {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM `+table+` WHERE name = ?`, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return errors.New(errors.CodeNotFound,
			fmt.Sprintf("%s definition %q not found", table, name), nil)
	}
	if err != nil {
		return errors.New(errors.CodeInternal, "load definition", err)
	}
	return json.Unmarshal([]byte(raw), out)
}

func (s *Store) deleteDefinition(ctx context.Context, table, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE name = ?`, name)
	if err != nil {
		return errors.New(errors.CodeInternal, "delete definition", err).
			WithContext("table", table).
			WithContext("name", name)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
