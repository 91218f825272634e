// Package engine implements the stateless document transformations. Every
// operation takes input buffers plus typed parameters and returns fresh
// output buffers or a typed *Error; caller-supplied buffers are never
// mutated and no operation touches external state.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/rs/zerolog"
)

const (
	// rasterDPI is the fixed resolution for full-page rasterization.
	rasterDPI = 200

	// watermarkPoints is the stamp font size.
	watermarkPoints = 50

	// DefaultWatermarkOpacity matches the stock diagonal grey stamp.
	DefaultWatermarkOpacity = 0.3
)

// Quality is the coarse compression tier.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// PageRange is a half-open [Start, End) range of zero-based page indexes.
type PageRange struct {
	Start int
	End   int
}

// Engine applies document transformations. Safe for concurrent use.
type Engine struct {
	logger zerolog.Logger
}

// New creates a transformation engine.
func New(logger zerolog.Logger) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "engine").Logger(),
	}
}

func conf() *model.Configuration {
	c := model.NewDefaultConfiguration()
	// Lenient validation: user uploads are frequently produced by sloppy
	// generators that still render fine.
	c.ValidationMode = model.ValidationRelaxed
	return c
}

// classify wraps a pdfcpu error in a typed failure. A password problem
// means the document is protected: with no password supplied that is
// KindPasswordRequired, with one it is KindIncorrectPassword. Everything
// else reads as undecodable input.
func classify(op string, err error, passwordSupplied bool) *Error {
	if errors.Is(err, pdfcpu.ErrWrongPassword) || strings.Contains(strings.ToLower(err.Error()), "password") {
		if passwordSupplied {
			return failure(KindIncorrectPassword, op, err)
		}
		return failure(KindPasswordRequired, op, err)
	}
	return failure(KindCorruptInput, op, err)
}

// PageCount returns the number of pages in a document.
func (e *Engine) PageCount(doc []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(doc), conf())
	if err != nil {
		return 0, classify("page_count", err, false)
	}
	return n, nil
}

// Merge concatenates the page sequences of the inputs in order. It fails
// atomically: any unreadable input aborts the whole merge and no partial
// output is produced.
func (e *Engine) Merge(docs [][]byte) ([]byte, error) {
	if len(docs) < 2 {
		return nil, failure(KindUnsupportedFeature, "merge", fmt.Errorf("need at least 2 documents, got %d", len(docs)))
	}

	// Validate every input up front so a bad third file cannot waste work
	// on the first two.
	for i, doc := range docs {
		if err := api.Validate(bytes.NewReader(doc), conf()); err != nil {
			return nil, classify(fmt.Sprintf("merge[input %d]", i), err, false)
		}
	}

	readers := make([]io.ReadSeeker, len(docs))
	for i, doc := range docs {
		readers[i] = bytes.NewReader(doc)
	}

	var out bytes.Buffer
	if err := api.MergeRaw(readers, &out, false, conf()); err != nil {
		return nil, classify("merge", err, false)
	}
	return out.Bytes(), nil
}

// Split produces one output document per range. Absent ranges, every page
// becomes its own document. Range ends beyond the page count are clamped,
// never out-of-bounds; a range that starts at or past the end is reported as
// unsupported rather than silently dropped.
func (e *Engine) Split(doc []byte, ranges []PageRange) ([][]byte, error) {
	pageCount, err := e.PageCount(doc)
	if err != nil {
		return nil, err
	}

	if len(ranges) == 0 {
		ranges = make([]PageRange, pageCount)
		for i := range ranges {
			ranges[i] = PageRange{Start: i, End: i + 1}
		}
	}

	outputs := make([][]byte, 0, len(ranges))
	for _, r := range ranges {
		if r.End > pageCount {
			r.End = pageCount
		}
		if r.Start < 0 || r.Start >= r.End {
			return nil, failure(KindUnsupportedFeature, "split",
				fmt.Errorf("page range %d..%d is empty for a %d-page document", r.Start, r.End, pageCount))
		}

		// pdfcpu page selections are 1-based and inclusive.
		selected := []string{fmt.Sprintf("%d-%d", r.Start+1, r.End)}

		var out bytes.Buffer
		if err := api.Trim(bytes.NewReader(doc), &out, selected, conf()); err != nil {
			return nil, classify("split", err, false)
		}
		outputs = append(outputs, out.Bytes())
	}
	return outputs, nil
}

// Watermark overlays a diagonal text stamp at the given opacity on every
// page. Page order and count are preserved.
func (e *Engine) Watermark(doc []byte, text string, opacity float64) ([]byte, error) {
	if opacity <= 0 || opacity > 1 {
		opacity = DefaultWatermarkOpacity
	}

	desc := fmt.Sprintf("font:Helvetica, points:%d, rot:45, op:%.2f, fillcolor:#808080", watermarkPoints, opacity)
	wm, err := api.TextWatermark(text, desc, true, false, types.POINTS)
	if err != nil {
		return nil, failure(KindUnsupportedFeature, "watermark", err)
	}

	var out bytes.Buffer
	if err := api.AddWatermarks(bytes.NewReader(doc), &out, nil, wm, conf()); err != nil {
		return nil, classify("watermark", err, false)
	}
	return out.Bytes(), nil
}

// Compress rewrites the document with content-stream optimization. The
// quality tier controls aggressiveness; output is not guaranteed smaller for
// already-minimal inputs, but content is never altered.
func (e *Engine) Compress(doc []byte, quality Quality) ([]byte, error) {
	c := conf()
	// Lower quality tiers additionally deduplicate identical content
	// streams across pages.
	c.OptimizeDuplicateContentStreams = quality != QualityHigh

	var out bytes.Buffer
	if err := api.Optimize(bytes.NewReader(doc), &out, c); err != nil {
		return nil, classify("compress", err, false)
	}
	return out.Bytes(), nil
}

// Encrypt protects the whole document with a password (AES-256).
func (e *Engine) Encrypt(doc []byte, password string) ([]byte, error) {
	c := model.NewAESConfiguration(password, password, 256)
	c.ValidationMode = model.ValidationRelaxed

	var out bytes.Buffer
	if err := api.Encrypt(bytes.NewReader(doc), &out, c); err != nil {
		return nil, classify("encrypt", err, false)
	}
	return out.Bytes(), nil
}

// Decrypt removes password protection. Unencrypted input passes through
// unchanged (returned as a copy). A wrong password fails with
// KindIncorrectPassword, never a generic error.
func (e *Engine) Decrypt(doc []byte, password string) ([]byte, error) {
	// Probe without credentials: if the document validates, it is not
	// encrypted and decryption is a no-op.
	if err := api.Validate(bytes.NewReader(doc), conf()); err == nil {
		return append([]byte(nil), doc...), nil
	} else if kind := classify("decrypt", err, false).Kind; kind == KindCorruptInput {
		return nil, failure(KindCorruptInput, "decrypt", err)
	}

	c := model.NewAESConfiguration(password, password, 256)
	c.ValidationMode = model.ValidationRelaxed

	var out bytes.Buffer
	if err := api.Decrypt(bytes.NewReader(doc), &out, c); err != nil {
		return nil, classify("decrypt", err, true)
	}
	return out.Bytes(), nil
}

// ImagesToDocument composes the images into one document, one page per
// image in submission order, each page sized to its image.
func (e *Engine) ImagesToDocument(images [][]byte) ([]byte, error) {
	if len(images) == 0 {
		return nil, failure(KindUnsupportedFeature, "images_to_document", errors.New("no images supplied"))
	}

	readers := make([]io.Reader, len(images))
	for i, img := range images {
		readers[i] = bytes.NewReader(img)
	}

	var out bytes.Buffer
	if err := api.ImportImages(nil, &out, readers, nil, conf()); err != nil {
		return nil, classify("images_to_document", err, false)
	}
	return out.Bytes(), nil
}
