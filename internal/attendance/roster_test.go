package attendance

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadAndSeedRoster(t *testing.T) {
	entries, err := ReadRoster(strings.NewReader(`[
		{"class": {"classId": "c1", "teacherId": "t1", "name": "Algebra"}, "students": ["s1", "s2"]},
		{"class": {"classId": "c2", "teacherId": "t2"}, "students": []}
	]`))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	m := NewMemoryStore()
	require.NoError(t, SeedRoster(context.Background(), m, entries))

	c, err := m.GetClass(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "Algebra", c.Name)
	students, err := m.EnrolledStudents(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"s1", "s2"}, students)
}

func TestReadRosterRejectsIncompleteEntries(t *testing.T) {
	_, err := ReadRoster(strings.NewReader(`[{"class": {"classId": "c1"}}]`))
	require.ErrorContains(t, err, "teacherId")

	_, err = ReadRoster(strings.NewReader(`{`))
	require.Error(t, err)
}
