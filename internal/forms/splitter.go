package forms

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"golang.org/x/sync/errgroup"

	"github.com/docuflow/docuflow/pkg/storage"
)

const uploadWorkers = 4

// Splitter partitions source PDFs into forms and archives each form blob.
type Splitter struct {
	storage storage.System
	logger  *slog.Logger
}

// NewSplitter creates a splitter that reads source documents from and writes
// form blobs to the given storage system.
func NewSplitter(store storage.System, logger *slog.Logger) *Splitter {
	return &Splitter{
		storage: store,
		logger:  logger.With("system", "splitter"),
	}
}

// Split downloads the source document, partitions it into chunks of chunkSize
// pages, and uploads one blob per form. Every form blob is written before
// Split returns, so retries can re-fetch content without re-splitting.
// Returns ErrInvalidDocument if the source is empty or not a parseable PDF.
func (s *Splitter) Split(ctx context.Context, sourceFile string, chunkSize int) ([]Form, error) {
	tempDir, err := os.MkdirTemp("", "docuflow-split-*")
	if err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	sourcePath := filepath.Join(tempDir, "source.pdf")
	if err := s.fetchSource(ctx, sourceFile, sourcePath); err != nil {
		return nil, err
	}

	if err := api.ValidateFile(sourcePath, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	pageCount, err := api.PageCountFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	ranges, err := PlanRanges(pageCount, chunkSize)
	if err != nil {
		return nil, err
	}

	fms := make([]Form, len(ranges))
	for i, r := range ranges {
		fms[i] = Form{
			SourceFile: sourceFile,
			FormNumber: i + 1,
			PageStart:  r.Start,
			PageEnd:    r.End,
			TotalForms: len(ranges),
			StorageKey: FormKey(sourceFile, i+1),
		}
	}

	if err := s.archiveForms(ctx, tempDir, sourcePath, fms); err != nil {
		return nil, err
	}

	s.logger.Info(
		"document split",
		"source_file", sourceFile,
		"page_count", pageCount,
		"total_forms", len(fms),
	)

	return fms, nil
}

func (s *Splitter) fetchSource(ctx context.Context, sourceFile, destPath string) error {
	reader, err := s.storage.Download(ctx, sourceFile)
	if err != nil {
		return fmt.Errorf("download source %s: %w", sourceFile, err)
	}
	defer reader.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create local source file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, reader); err != nil {
		return fmt.Errorf("copy source %s: %w", sourceFile, err)
	}

	return nil
}

func (s *Splitter) archiveForms(ctx context.Context, tempDir, sourcePath string, fms []Form) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadWorkers)

	for i := range fms {
		form := fms[i]
		g.Go(func() error {
			localPath := filepath.Join(tempDir, fmt.Sprintf("form_%03d.pdf", form.FormNumber))
			pages := []string{fmt.Sprintf("%d-%d", form.PageStart, form.PageEnd)}

			if err := api.TrimFile(sourcePath, localPath, pages, nil); err != nil {
				return fmt.Errorf("form %d: extract pages %d-%d: %w",
					form.FormNumber, form.PageStart, form.PageEnd, err)
			}

			data, err := os.Open(localPath)
			if err != nil {
				return fmt.Errorf("form %d: open chunk: %w", form.FormNumber, err)
			}
			defer data.Close()

			if err := s.storage.Upload(gctx, form.StorageKey, data, "application/pdf"); err != nil {
				return fmt.Errorf("form %d: %w", form.FormNumber, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("archive forms: %w", err)
	}
	return nil
}
