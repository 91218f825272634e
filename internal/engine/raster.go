package engine

import (
	"bytes"
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// ExtractText returns the document's text: per-page extraction, pages joined
// by a blank line, the whole trimmed of leading and trailing whitespace.
// Pages without extractable text contribute an empty segment, not an error.
func (e *Engine) ExtractText(doc []byte) (string, error) {
	d, err := fitz.NewFromMemory(doc)
	if err != nil {
		return "", classify("extract_text", err, false)
	}
	defer d.Close()

	segments := make([]string, 0, d.NumPage())
	for i := 0; i < d.NumPage(); i++ {
		text, err := d.Text(i)
		if err != nil {
			return "", classify("extract_text", err, false)
		}
		segments = append(segments, strings.TrimSpace(text))
	}

	return strings.TrimSpace(strings.Join(segments, "\n\n")), nil
}

// ExtractImages rasterizes each page at 200 DPI into an independent PNG
// buffer, in page order.
//
// This is full-page rasterization, not extraction of embedded image objects:
// output fidelity is bounded by the render resolution and each page costs a
// full render regardless of how many images it contains.
func (e *Engine) ExtractImages(doc []byte) ([][]byte, error) {
	d, err := fitz.NewFromMemory(doc)
	if err != nil {
		return nil, classify("extract_images", err, false)
	}
	defer d.Close()

	pages := make([][]byte, 0, d.NumPage())
	for i := 0; i < d.NumPage(); i++ {
		img, err := d.ImageDPI(i, rasterDPI)
		if err != nil {
			return nil, classify("extract_images", err, false)
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, failure(KindResourceExceeded, "extract_images", err)
		}
		pages = append(pages, buf.Bytes())
	}
	return pages, nil
}
