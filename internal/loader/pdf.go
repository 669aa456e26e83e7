package loader

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

func loadPDF(path string) (Document, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return Document{}, fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return Document{}, fmt.Errorf("extracting pdf text from %s: %w", path, err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return Document{}, fmt.Errorf("reading pdf text from %s: %w", path, err)
	}

	return Document{
		ID:      path,
		Title:   titleFromFilename(path),
		Content: buf.String(),
	}, nil
}
