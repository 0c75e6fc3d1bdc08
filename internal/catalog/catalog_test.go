package catalog

import (
	"errors"
	"strings"
	"testing"
)

func TestEmbeddedCatalogLoads(t *testing.T) {
	c, err := Embedded()
	if err != nil {
		t.Fatalf("Embedded() error = %v", err)
	}
	if len(c.Entities) != 22 {
		t.Fatalf("len(Entities) = %d, want 22", len(c.Entities))
	}

	student, ok := c.Entity("Student")
	if !ok {
		t.Fatalf("Entity(Student) not found")
	}
	if !student.Scoped() || student.Scope != "id" {
		t.Fatalf("Student scope = %q", student.Scope)
	}
	rel, ok := student.Relation("degree_program")
	if !ok || rel.Column != "degree_program_id" || rel.Target.Name != "DegreeProgram" {
		t.Fatalf("Relation(degree_program) = %+v, %v", rel, ok)
	}
	rev, ok := student.Reverse("attendances")
	if !ok || rev.Source.Name != "Attendance" || rev.Column != "student_id" {
		t.Fatalf("Reverse(attendances) = %+v, %v", rev, ok)
	}

	result, _ := c.Entity("SubjectResult")
	if result.Scope != "semester_result__student_id" {
		t.Fatalf("SubjectResult scope = %q", result.Scope)
	}
	department, _ := c.Entity("Department")
	if department.Scoped() {
		t.Fatalf("Department should not be scoped")
	}
}

func TestVisibleFieldsHidesRestrictedColumns(t *testing.T) {
	c, err := Embedded()
	if err != nil {
		t.Fatalf("Embedded() error = %v", err)
	}
	faculty, _ := c.Entity("Faculty")

	for _, field := range faculty.VisibleFields("faculty") {
		if field.Name == "salary" {
			t.Fatalf("salary visible to faculty")
		}
	}
	found := false
	for _, field := range faculty.VisibleFields("admin") {
		if field.Name == "salary" {
			found = true
		}
	}
	if !found {
		t.Fatalf("salary hidden from admin")
	}
}

func TestSamplesFollowCatalogOrder(t *testing.T) {
	c, err := Embedded()
	if err != nil {
		t.Fatalf("Embedded() error = %v", err)
	}
	samples := c.Samples()
	keys := make([]string, 0, len(samples))
	for _, sample := range samples {
		keys = append(keys, sample.Key)
	}
	want := "departments,degree_programs,subjects,students,faculty"
	if got := strings.Join(keys, ","); got != want {
		t.Fatalf("sample keys = %s, want %s", got, want)
	}
	if samples[3].Table != "admin_app_student" {
		t.Fatalf("students sample table = %s", samples[3].Table)
	}
}

func TestLoadRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "empty", yaml: "version: x\n"},
		{name: "missing id", yaml: "entities:\n  - name: A\n    table: a\n    fields:\n      - {name: x, type: text}\n"},
		{name: "bad type", yaml: "entities:\n  - name: A\n    table: a\n    fields:\n      - {name: id, type: blob}\n"},
		{name: "unknown ref", yaml: "entities:\n  - name: A\n    table: a\n    fields:\n      - {name: id, type: integer}\n      - {name: b_id, type: integer, ref: B}\n"},
		{name: "bad scope", yaml: "entities:\n  - name: A\n    table: a\n    scope: nope__id\n    fields:\n      - {name: id, type: integer}\n"},
		{name: "bad sample", yaml: "entities:\n  - name: A\n    table: a\n    sample: {key: a, columns: [missing]}\n    fields:\n      - {name: id, type: integer}\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.yaml))
			if !errors.Is(err, ErrInvalidCatalog) {
				t.Fatalf("Load() error = %v, want ErrInvalidCatalog", err)
			}
		})
	}
}

func TestDescribeListsAccessorsAndRelations(t *testing.T) {
	c, err := Embedded()
	if err != nil {
		t.Fatalf("Embedded() error = %v", err)
	}
	text := Describe(c)
	for _, want := range []string{
		"Entity: Department\n",
		"head_id (FK->Faculty, nullable)",
		"Related: degree_programs (DegreeProgram), subjects (Subject), faculties (Faculty)",
		"salary (decimal, admin only)",
		"Relations: semester_result (SemesterResult), subject (Subject)",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("Describe() missing %q", want)
		}
	}
	if Describe(c) != text {
		t.Fatalf("Describe() not deterministic")
	}
}
