package attendance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// RosterEntry is one class and its enrolled students, as read from a seed file.
type RosterEntry struct {
	Class    Class    `json:"class"`
	Students []string `json:"students"`
}

// ClassWriter replaces a class and its enrollment.
type ClassWriter interface {
	UpsertClass(ctx context.Context, c Class, students ...string) error
}

// ReadRoster decodes a JSON array of roster entries.
func ReadRoster(r io.Reader) ([]RosterEntry, error) {
	var entries []RosterEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	for i, e := range entries {
		if e.Class.ID == "" || e.Class.TeacherID == "" {
			return nil, fmt.Errorf("roster entry %d: classId and teacherId are required", i)
		}
	}
	return entries, nil
}

// SeedRoster writes every entry through w.
func SeedRoster(ctx context.Context, w ClassWriter, entries []RosterEntry) error {
	for _, e := range entries {
		if err := w.UpsertClass(ctx, e.Class, e.Students...); err != nil {
			return fmt.Errorf("seed class %s: %w", e.Class.ID, err)
		}
	}
	return nil
}
