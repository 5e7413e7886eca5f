package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhouzirui/speakup/backend/internal/model/chat"
	"github.com/zhouzirui/speakup/backend/internal/model/lesson"
	"github.com/zhouzirui/speakup/backend/internal/model/settings"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite opens (and creates when missing) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	log.Printf("[store] sqlite ready path=%s", dbPath)
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		voice TEXT NOT NULL,
		speed_percent INTEGER NOT NULL,
		speed_label TEXT NOT NULL,
		learning_minutes INTEGER NOT NULL,
		level TEXT NOT NULL,
		show_translation INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lessons (
		session_id TEXT PRIMARY KEY,
		topic_title TEXT NOT NULL,
		history_json TEXT NOT NULL,
		feedback_json TEXT NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lessons_finished ON lessons(finished_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSettings returns the saved settings, or nil when none were saved yet.
func (s *SQLiteStore) GetSettings(ctx context.Context) (*settings.Settings, error) {
	query := `
		SELECT voice, speed_percent, speed_label, learning_minutes,
		       level, show_translation, updated_at
		FROM settings WHERE id = 1`

	var out settings.Settings
	var showTranslation int
	var updatedAt int64

	err := s.db.QueryRowContext(ctx, query).Scan(
		&out.Voice, &out.SpeedPercent, &out.SpeedLabel, &out.LearningMinutes,
		&out.Level, &showTranslation, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan settings row: %w", err)
	}

	out.ShowTranslation = showTranslation != 0
	out.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &out, nil
}

// SaveSettings replaces the saved settings.
func (s *SQLiteStore) SaveSettings(ctx context.Context, in settings.Settings) error {
	query := `
	INSERT INTO settings (id, voice, speed_percent, speed_label, learning_minutes, level, show_translation, updated_at)
	VALUES (1, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		voice = excluded.voice,
		speed_percent = excluded.speed_percent,
		speed_label = excluded.speed_label,
		learning_minutes = excluded.learning_minutes,
		level = excluded.level,
		show_translation = excluded.show_translation,
		updated_at = excluded.updated_at`

	updatedAt := in.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	showTranslation := 0
	if in.ShowTranslation {
		showTranslation = 1
	}

	_, err := s.db.ExecContext(ctx, query,
		in.Voice, in.SpeedPercent, in.SpeedLabel, in.LearningMinutes,
		in.Level, showTranslation, updatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

// SaveLesson stores a finished lesson.
func (s *SQLiteStore) SaveLesson(ctx context.Context, record lesson.Record) error {
	if record.SessionID == "" {
		return errors.New("session id is required")
	}

	history, err := json.Marshal(chat.CopyHistory(record.History))
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	feedback := record.Feedback
	if feedback == nil {
		feedback = []lesson.FeedbackItem{}
	}
	feedbackJSON, err := json.Marshal(feedback)
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}

	finishedAt := record.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	query := `
	INSERT INTO lessons (session_id, topic_title, history_json, feedback_json, finished_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		topic_title = excluded.topic_title,
		history_json = excluded.history_json,
		feedback_json = excluded.feedback_json,
		finished_at = excluded.finished_at`

	if _, err := s.db.ExecContext(ctx, query,
		record.SessionID, record.TopicTitle, string(history), string(feedbackJSON), finishedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("upsert lesson: %w", err)
	}
	return nil
}

// GetLesson returns one finished lesson.
func (s *SQLiteStore) GetLesson(ctx context.Context, sessionID string) (*lesson.Record, error) {
	query := `
		SELECT session_id, topic_title, history_json, feedback_json, finished_at
		FROM lessons WHERE session_id = ?`

	record, err := scanLesson(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListLessons returns finished lessons, newest first. A limit of zero or less
// returns every lesson.
func (s *SQLiteStore) ListLessons(ctx context.Context, limit int) ([]lesson.Record, error) {
	query := `
		SELECT session_id, topic_title, history_json, feedback_json, finished_at
		FROM lessons ORDER BY finished_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query lessons: %w", err)
	}
	defer rows.Close()

	records := make([]lesson.Record, 0)
	for rows.Next() {
		record, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lessons: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLesson(row rowScanner) (*lesson.Record, error) {
	var record lesson.Record
	var historyJSON, feedbackJSON string
	var finishedAt int64

	if err := row.Scan(&record.SessionID, &record.TopicTitle, &historyJSON, &feedbackJSON, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan lesson row: %w", err)
	}

	if err := json.Unmarshal([]byte(historyJSON), &record.History); err != nil {
		return nil, fmt.Errorf("decode lesson history: %w", err)
	}
	if err := json.Unmarshal([]byte(feedbackJSON), &record.Feedback); err != nil {
		return nil, fmt.Errorf("decode lesson feedback: %w", err)
	}
	record.FinishedAt = time.UnixMilli(finishedAt).UTC()
	return &record, nil
}
