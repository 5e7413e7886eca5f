package settings

import (
	"errors"
	"fmt"
	"time"

	"github.com/zhouzirui/speakup/backend/internal/model/speech"
)

// Learner levels.
const (
	LevelBeginner     = "Beginner"
	LevelIntermediate = "Intermediate"
	LevelAdvanced     = "Advanced"
)

// Settings 是学习者的偏好设置，由设置页写入、各个环节读取。
type Settings struct {
	Voice           string    `json:"voice"`
	SpeedPercent    int       `json:"speedPercent"`
	SpeedLabel      string    `json:"speedLabel"`
	LearningMinutes int       `json:"learningMinutes"`
	Level           string    `json:"level"`
	ShowTranslation bool      `json:"showTranslation"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Defaults returns the settings of a fresh install.
func Defaults() Settings {
	return Settings{
		Voice:           "shimmer",
		SpeedPercent:    100,
		SpeedLabel:      "Normal",
		LearningMinutes: 30,
		Level:           LevelIntermediate,
	}
}

var errInvalid = errors.New("invalid settings")

// Validate checks ranges; voice and label names are normalized by the store.
func (s Settings) Validate() error {
	if s.SpeedPercent < 50 || s.SpeedPercent > 120 {
		return fmt.Errorf("%w: speedPercent must be between 50 and 120", errInvalid)
	}
	if s.LearningMinutes < 5 || s.LearningMinutes > 60 {
		return fmt.Errorf("%w: learningMinutes must be between 5 and 60", errInvalid)
	}
	switch s.Level {
	case LevelBeginner, LevelIntermediate, LevelAdvanced:
	default:
		return fmt.Errorf("%w: unknown level %q", errInvalid, s.Level)
	}
	return nil
}

// IsInvalid reports whether err came from Validate.
func IsInvalid(err error) bool {
	return errors.Is(err, errInvalid)
}

// VoiceConfig is the playback slice of the settings.
func (s Settings) VoiceConfig() speech.VoiceConfig {
	return speech.VoiceConfig{
		Voice:        s.Voice,
		SpeedPercent: s.SpeedPercent,
		RateLabel:    s.SpeedLabel,
	}
}
