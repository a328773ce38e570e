package storage

import (
	"bytes"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/papervoice/papervoice/internal/pipeline"
)

// ValidatePDF sniffs the content type and parses the document structure,
// returning the page count. It catches corrupt uploads before a worker burns
// an attempt on them. Failures wrap the pipeline input sentinels, so they
// classify as terminal.
func ValidatePDF(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, pipeline.ErrEmptyDocument
	}
	if !mimetype.Detect(data).Is("application/pdf") {
		return 0, fmt.Errorf("%w: detected %s", pipeline.ErrNotPDF, mimetype.Detect(data).String())
	}

	pages, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", pipeline.ErrUnreadablePDF, err)
	}
	if pages < 1 {
		return 0, fmt.Errorf("%w: no pages", pipeline.ErrUnreadablePDF)
	}
	return pages, nil
}
