package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when a model reply carries no JSON payload.
var ErrNoJSON = errors.New("missing json payload")

// ExtractJSON strips markdown fences and returns the text between the first
// open and the last close delimiter, inclusive.
func ExtractJSON(content, opening, closing string) (string, error) {
	text := strings.TrimSpace(content)
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")

	start := strings.Index(text, opening)
	end := strings.LastIndex(text, closing)
	if start == -1 || end == -1 || end <= start {
		return "", ErrNoJSON
	}
	return text[start : end+1], nil
}

// DecodeObject extracts and decodes a JSON object from a model reply.
func DecodeObject(content string, v any) error {
	return decode(content, "{", "}", v)
}

// DecodeArray extracts and decodes a JSON array from a model reply.
func DecodeArray(content string, v any) error {
	return decode(content, "[", "]", v)
}

func decode(content, opening, closing string, v any) error {
	payload, err := ExtractJSON(content, opening, closing)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("decode model json: %w", err)
	}
	return nil
}
