package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/papervoice/papervoice/internal/pipeline"
)

func TestValidatePDF(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{
			name:    "empty document",
			data:    nil,
			wantErr: pipeline.ErrEmptyDocument,
		},
		{
			name:    "zero length document",
			data:    []byte{},
			wantErr: pipeline.ErrEmptyDocument,
		},
		{
			name:    "plain text is not a pdf",
			data:    []byte("hello, this is not a pdf"),
			wantErr: pipeline.ErrNotPDF,
		},
		{
			name:    "png magic is not a pdf",
			data:    []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0},
			wantErr: pipeline.ErrNotPDF,
		},
		{
			name:    "pdf magic with corrupt body",
			data:    []byte("%PDF-1.4\nthis is not a real document structure"),
			wantErr: pipeline.ErrUnreadablePDF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidatePDF(tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
