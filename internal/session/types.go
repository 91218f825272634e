package session

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docfold/docfold/internal/engine"
	"github.com/docfold/docfold/internal/stage"
)

// State is the position of a session in the conversation workflow. A user
// with no session is logically idle; terminal states are not stored, the
// session object is discarded instead.
type State int

const (
	StateCollectingInputs State = iota
	StateAwaitingParameter
	StateReadyToExecute
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StateCollectingInputs:
		return "collecting_inputs"
	case StateAwaitingParameter:
		return "awaiting_parameter"
	case StateReadyToExecute:
		return "ready_to_execute"
	case StateExecuting:
		return "executing"
	default:
		return "unknown"
	}
}

// Kind is the requested document transformation.
type Kind string

const (
	KindMerge            Kind = "merge"
	KindSplit            Kind = "split"
	KindExtractText      Kind = "extract_text"
	KindExtractImages    Kind = "extract_images"
	KindWatermark        Kind = "watermark"
	KindCompress         Kind = "compress"
	KindEncrypt          Kind = "encrypt"
	KindDecrypt          Kind = "decrypt"
	KindImagesToDocument Kind = "images_to_document"
)

// ParseKind maps a transport operation name to a Kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := profiles[k]; !ok {
		return "", false
	}
	return k, true
}

// paramKind is the extra user input an operation awaits after its files.
type paramKind int

const (
	paramNone paramKind = iota
	paramWatermarkText
	paramPassword
	paramPageRanges
)

// inputClass is the file class an operation accepts.
type inputClass int

const (
	inputPDF inputClass = iota
	inputImage
)

// profile describes the input shape of one operation kind. The set of
// kinds is closed; anything outside this table is rejected at parse time.
type profile struct {
	multiInput bool
	minInputs  int
	param      paramKind
	input      inputClass
}

var profiles = map[Kind]profile{
	KindMerge:            {multiInput: true, minInputs: 2, param: paramNone, input: inputPDF},
	KindSplit:            {minInputs: 1, param: paramPageRanges, input: inputPDF},
	KindExtractText:      {minInputs: 1, param: paramNone, input: inputPDF},
	KindExtractImages:    {minInputs: 1, param: paramNone, input: inputPDF},
	KindWatermark:        {minInputs: 1, param: paramWatermarkText, input: inputPDF},
	KindCompress:         {minInputs: 1, param: paramNone, input: inputPDF},
	KindEncrypt:          {minInputs: 1, param: paramPassword, input: inputPDF},
	KindDecrypt:          {minInputs: 1, param: paramPassword, input: inputPDF},
	KindImagesToDocument: {multiInput: true, minInputs: 1, param: paramNone, input: inputImage},
}

// Session is one user's in-progress workflow. Access is serialized by the
// owning manager's per-user lock.
type Session struct {
	ID           string
	UserID       string
	Kind         Kind
	State        State
	Docs         []stage.Document
	Parameter    string
	CreatedAt    time.Time
	LastActivity time.Time
}

func (s *Session) profile() profile {
	return profiles[s.Kind]
}

func (s *Session) touch(now time.Time) {
	s.LastActivity = now
}

// hasFingerprint reports whether a document with the given content
// fingerprint is already staged in this session.
func (s *Session) hasFingerprint(fp string) bool {
	for _, d := range s.Docs {
		if d.Fingerprint == fp {
			return true
		}
	}
	return false
}

const (
	minPasswordLen = 4
	maxPasswordLen = 128

	maxWatermarkLen = 200
)

// validateParameter checks a free-text reply against the awaited parameter
// shape. A non-nil error means re-prompt; session state is unchanged.
func validateParameter(p paramKind, text string) error {
	switch p {
	case paramPassword:
		if len(text) < minPasswordLen || len(text) > maxPasswordLen {
			return fmt.Errorf("password must be %d to %d characters", minPasswordLen, maxPasswordLen)
		}
	case paramWatermarkText:
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return fmt.Errorf("watermark text must not be empty")
		}
		if len(trimmed) > maxWatermarkLen {
			return fmt.Errorf("watermark text must be at most %d characters", maxWatermarkLen)
		}
	case paramPageRanges:
		if _, err := parsePageRanges(text); err != nil {
			return err
		}
	}
	return nil
}

// parsePageRanges parses a user page selection like "1-3, 5, 7-9" into
// half-open zero-based ranges. "all" (or empty input) selects one range per
// page and is represented as a nil slice.
func parsePageRanges(text string) ([]engine.PageRange, error) {
	text = strings.TrimSpace(strings.ToLower(text))
	if text == "" || text == "all" {
		return nil, nil
	}

	var ranges []engine.PageRange
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		var first, last int
		var err error
		if lo, hi, found := strings.Cut(part, "-"); found {
			if first, err = strconv.Atoi(strings.TrimSpace(lo)); err != nil {
				return nil, fmt.Errorf("invalid page number %q", lo)
			}
			if last, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				return nil, fmt.Errorf("invalid page number %q", hi)
			}
		} else {
			if first, err = strconv.Atoi(part); err != nil {
				return nil, fmt.Errorf("invalid page number %q", part)
			}
			last = first
		}

		if first < 1 || last < first {
			return nil, fmt.Errorf("invalid page range %q", part)
		}
		ranges = append(ranges, engine.PageRange{Start: first - 1, End: last})
	}

	if len(ranges) == 0 {
		return nil, fmt.Errorf("no page ranges given")
	}
	return ranges, nil
}

var (
	pdfMagic  = []byte("%PDF")
	pngMagic  = []byte("\x89PNG\r\n\x1a\n")
	jpegMagic = []byte("\xff\xd8\xff")
	gifMagic  = []byte("GIF8")
	riffMagic = []byte("RIFF")
	webpMagic = []byte("WEBP")
)

// sniffInput reports whether data looks like the class an operation accepts.
func sniffInput(class inputClass, data []byte) bool {
	switch class {
	case inputPDF:
		return bytes.HasPrefix(data, pdfMagic)
	case inputImage:
		switch {
		case bytes.HasPrefix(data, pngMagic):
			return true
		case bytes.HasPrefix(data, jpegMagic):
			return true
		case bytes.HasPrefix(data, gifMagic):
			return true
		case bytes.HasPrefix(data, riffMagic) && len(data) >= 12 && bytes.Equal(data[8:12], webpMagic):
			return true
		}
	}
	return false
}
