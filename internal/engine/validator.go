package engine

import (
	"sort"

	"github.com/docuflow/docuflow/internal/extraction"
	"github.com/docuflow/docuflow/internal/records"
)

// partitionFields splits extracted fields into accepted values and flagged
// low-confidence values. The acceptance bound is inclusive: a field at
// exactly the threshold is accepted. No field is ever dropped; flagged
// values keep their value and score for downstream review.
func partitionFields(
	fields map[string]extraction.Field,
	threshold float64,
) (map[string]records.FieldValue, []records.LowConfidenceField) {
	accepted := make(map[string]records.FieldValue)
	flagged := make([]records.LowConfidenceField, 0)

	for name, field := range fields {
		if field.Confidence >= threshold {
			accepted[name] = records.FieldValue{
				Value:      field.Value,
				Confidence: field.Confidence,
			}
			continue
		}
		flagged = append(flagged, records.LowConfidenceField{
			Name:       name,
			Value:      field.Value,
			Confidence: field.Confidence,
		})
	}

	sort.Slice(flagged, func(i, j int) bool {
		return flagged[i].Name < flagged[j].Name
	})

	return accepted, flagged
}

// recordStatus derives the persisted status from the validation outcome:
// completed only when nothing was flagged.
func recordStatus(flagged []records.LowConfidenceField) records.Status {
	if len(flagged) == 0 {
		return records.StatusCompleted
	}
	return records.StatusPartial
}
