package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const StudentTable = "admin_app_student"

type StudentProfile struct {
	ID         int64
	RollNumber string
	Name       string
	Semester   int64
	Division   string
}

// StudentProfile loads the identity fields used to scope a student's session.
func (d *DB) StudentProfile(ctx context.Context, studentID int64) (StudentProfile, error) {
	q := d.dialect.QuoteIdent
	query := fmt.Sprintf(
		"SELECT %s, %s, %s, %s, %s FROM %s WHERE %s = %s",
		q("id"), q("roll_number"), q("name"), q("semester"), q("division"),
		q(StudentTable), q("id"), d.dialect.Placeholder(1),
	)
	row, _, err := d.QueryRow(ctx, query, studentID)
	if errors.Is(err, ErrNotFound) {
		return StudentProfile{}, ErrNotFound
	}
	if err != nil {
		return StudentProfile{}, fmt.Errorf("load student profile: %w", err)
	}

	profile := StudentProfile{}
	profile.ID, _ = asInt(row[0])
	profile.RollNumber = asString(row[1])
	profile.Name = asString(row[2])
	profile.Semester, _ = asInt(row[3])
	profile.Division = asString(row[4])
	return profile, nil
}

func asInt(value any) (int64, bool) {
	switch typed := value.(type) {
	case int64:
		return typed, true
	case float64:
		return int64(typed), true
	default:
		return 0, false
	}
}

func asString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}
