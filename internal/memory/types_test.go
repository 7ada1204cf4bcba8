package memory

import (
	"testing"
	"time"
)

func TestPrimaryEntity(t *testing.T) {
	cases := []struct {
		name     string
		entities []string
		want     string
	}{
		{"none", nil, ""},
		{"empty", []string{}, ""},
		{"single", []string{"alice"}, "alice"},
		{"first_wins", []string{"alice", "bob"}, "alice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &MemoryRecord{Entities: tc.entities}
			if got := rec.PrimaryEntity(); got != tc.want {
				t.Errorf("PrimaryEntity() = %q, want %q", got, tc.want)
			}
			u := Understanding{Entities: tc.entities}
			if got := u.PrimaryEntity(); got != tc.want {
				t.Errorf("Understanding.PrimaryEntity() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAgeDaysNeverNegative(t *testing.T) {
	now := time.Now().UTC()
	rec := &MemoryRecord{CreatedAt: now.Add(time.Hour)}
	if got := rec.AgeDays(now); got != 0 {
		t.Errorf("AgeDays for a future record = %v, want 0", got)
	}
}
