// Package forms implements document splitting for the processing engine.
// A source PDF is partitioned into fixed-size logical forms; each form is
// serialized to its own blob so extraction retries can re-fetch content
// without re-splitting the parent document.
package forms

import "fmt"

// Form is a fixed-page-count chunk of a source document. It is the unit of
// extraction and persistence. Forms are immutable once created; a retry
// re-submits the same form.
type Form struct {
	SourceFile string `json:"source_file"`
	FormNumber int    `json:"form_number"`
	PageStart  int    `json:"page_start"`
	PageEnd    int    `json:"page_end"`
	TotalForms int    `json:"total_forms"`
	StorageKey string `json:"storage_key"`
}

// PageRange is an inclusive, 1-indexed page span within a source document.
type PageRange struct {
	Start int
	End   int
}

// PlanRanges partitions pageCount pages into contiguous, non-overlapping
// ranges of chunkSize pages each. The last range may be shorter. The union of
// the returned ranges covers [1, pageCount] exactly once.
func PlanRanges(pageCount, chunkSize int) ([]PageRange, error) {
	if pageCount < 1 {
		return nil, fmt.Errorf("%w: document has no pages", ErrInvalidDocument)
	}
	if chunkSize < 1 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	ranges := make([]PageRange, 0, (pageCount+chunkSize-1)/chunkSize)
	for start := 1; start <= pageCount; start += chunkSize {
		end := min(start+chunkSize-1, pageCount)
		ranges = append(ranges, PageRange{Start: start, End: end})
	}

	return ranges, nil
}

// FormKey returns the archive blob key for the given form of a source document.
func FormKey(sourceFile string, formNumber int) string {
	return fmt.Sprintf("forms/%s/%03d.pdf", sourceFile, formNumber)
}

// DeadLetterKey returns the triage blob key used to preserve a form's content
// when it is dead-lettered.
func DeadLetterKey(sourceFile string, formNumber int) string {
	return fmt.Sprintf("deadletter/%s/%03d.pdf", sourceFile, formNumber)
}
