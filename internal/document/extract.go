// Package document turns downloaded receipt files into plain text.
//
// PDFs with an embedded text layer and plain-text files are supported. Images
// and scanned PDFs carry no text layer and are reported as ErrUnreadable;
// OCR is not performed here.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
)

// ErrUnreadable is returned when a file has no extractable text.
var ErrUnreadable = errors.New("document has no extractable text")

// Kind classifies a file by its content.
type Kind string

const (
	KindPDF   Kind = "pdf"
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindOther Kind = "other"
)

// Detect sniffs the content type of data.
func Detect(data []byte) (Kind, string) {
	mt := mimetype.Detect(data)
	switch {
	case mt.Is("application/pdf"):
		return KindPDF, mt.String()
	case strings.HasPrefix(mt.String(), "text/plain"):
		return KindText, mt.String()
	case strings.HasPrefix(mt.String(), "image/"):
		return KindImage, mt.String()
	default:
		return KindOther, mt.String()
	}
}

// Extract returns the text content of data.
func Extract(data []byte) (string, error) {
	kind, mime := Detect(data)
	switch kind {
	case KindPDF:
		return pdfText(data)
	case KindText:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: invalid utf-8 text", ErrUnreadable)
		}
		return nonEmpty(string(data))
	default:
		return "", fmt.Errorf("%w: %s", ErrUnreadable, mime)
	}
}

func pdfText(data []byte) (text string, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", fmt.Errorf("%w: malformed pdf: %v", ErrUnreadable, rec)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return nonEmpty(buf.String())
}

func nonEmpty(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: empty text layer", ErrUnreadable)
	}
	return s, nil
}
