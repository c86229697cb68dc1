package records_test

import (
	"testing"

	"github.com/docuflow/docuflow/internal/records"
)

func TestRecordID(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := records.RecordID("inbox/claims.pdf", 3)
		b := records.RecordID("inbox/claims.pdf", 3)
		if a != b {
			t.Errorf("same key produced different ids: %s vs %s", a, b)
		}
	})

	t.Run("distinct per form", func(t *testing.T) {
		a := records.RecordID("inbox/claims.pdf", 1)
		b := records.RecordID("inbox/claims.pdf", 2)
		if a == b {
			t.Error("different form numbers produced the same id")
		}
	})

	t.Run("distinct per source", func(t *testing.T) {
		a := records.RecordID("inbox/claims.pdf", 1)
		b := records.RecordID("inbox/enrollment.pdf", 1)
		if a == b {
			t.Error("different source files produced the same id")
		}
	})

	t.Run("separator is unambiguous", func(t *testing.T) {
		// "doc#1" form 2 and "doc" form 12 must not collide through naive
		// string concatenation.
		a := records.RecordID("doc#1", 2)
		b := records.RecordID("doc", 12)
		if a == b {
			t.Error("key encoding is ambiguous")
		}
	})
}

func TestDeadLettered(t *testing.T) {
	cases := []struct {
		name       string
		status     records.Status
		retryCount int
		maxRetries int
		want       bool
	}{
		{"failed at budget", records.StatusFailed, 3, 3, true},
		{"failed past budget", records.StatusFailed, 5, 3, true},
		{"failed under budget", records.StatusFailed, 2, 3, false},
		{"completed never dead-lettered", records.StatusCompleted, 3, 3, false},
		{"partial never dead-lettered", records.StatusPartial, 3, 3, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &records.ProcessingRecord{Status: tc.status, RetryCount: tc.retryCount}
			if got := rec.DeadLettered(tc.maxRetries); got != tc.want {
				t.Errorf("DeadLettered(%d) = %v, want %v", tc.maxRetries, got, tc.want)
			}
		})
	}
}
