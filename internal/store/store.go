// Package store persists learner settings and finished lessons.
package store

import (
	"context"
	"errors"

	"github.com/zhouzirui/speakup/backend/internal/model/lesson"
	"github.com/zhouzirui/speakup/backend/internal/model/settings"
)

// ErrNotFound is returned when a lesson record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository defines the persistence operations used by the services.
type Repository interface {
	// GetSettings returns the saved settings, or nil when none were saved yet.
	GetSettings(ctx context.Context) (*settings.Settings, error)

	// SaveSettings replaces the saved settings.
	SaveSettings(ctx context.Context, s settings.Settings) error

	// SaveLesson stores a finished lesson, replacing an earlier record of the same session.
	SaveLesson(ctx context.Context, record lesson.Record) error

	// GetLesson returns one finished lesson.
	GetLesson(ctx context.Context, sessionID string) (*lesson.Record, error)

	// ListLessons returns finished lessons, newest first.
	ListLessons(ctx context.Context, limit int) ([]lesson.Record, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
