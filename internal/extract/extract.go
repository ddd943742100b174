// Package extract turns stored document bytes into plain text for the
// plain-text family of formats. Office and PDF parsing live elsewhere.
package extract

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// legacyCharsets are tried in order when the bytes are not valid UTF-8.
var legacyCharsets = []struct {
	name string
	enc  encoding.Encoding
}{
	{"cp1251", charmap.Windows1251},
	{"latin1", charmap.ISO8859_1},
}

var (
	mdFence   = regexp.MustCompile("(?s)```.*?```")
	mdHeading = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdBold    = regexp.MustCompile(`\*\*(.*?)\*\*`)
	mdItalic  = regexp.MustCompile(`\*(.*?)\*`)
	mdCode    = regexp.MustCompile("`(.*?)`")
)

// Extractor converts raw file bytes into text.
type Extractor struct{}

// New creates an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Supported reports whether files with the given name can be extracted.
func (e *Extractor) Supported(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".md", ".json", ".csv":
		return true
	}
	return false
}

// Extract returns the text of data. The format is chosen from the extension
// of filename; its base name is used in the headers of structured formats.
func (e *Extractor) Extract(data []byte, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	name := filepath.Base(filename)

	switch ext {
	case ".txt":
		return decodeText(data)
	case ".md":
		text, err := decodeText(data)
		if err != nil {
			return "", err
		}
		return stripMarkdown(text), nil
	case ".json":
		return extractJSON(data, name)
	case ".csv":
		return extractCSV(data, name)
	}
	if ext == "" {
		ext = "(none)"
	}
	return "", fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, ext)
}

// decodeText reads data as UTF-8, falling back to legacy single-byte
// charsets. Line endings are normalised to \n.
func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return normaliseNewlines(string(data)), nil
	}
	for _, cs := range legacyCharsets {
		out, err := cs.enc.NewDecoder().Bytes(data)
		if err != nil {
			continue
		}
		// charmap decoders substitute unmapped bytes instead of failing
		if bytes.ContainsRune(out, utf8.RuneError) {
			continue
		}
		return normaliseNewlines(string(out)), nil
	}
	return "", fmt.Errorf("%w: unknown text encoding", domain.ErrCorruptFile)
}

func normaliseNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func stripMarkdown(text string) string {
	text = mdFence.ReplaceAllString(text, "")
	text = mdHeading.ReplaceAllString(text, "")
	text = mdBold.ReplaceAllString(text, "$1")
	text = mdItalic.ReplaceAllString(text, "$1")
	return mdCode.ReplaceAllString(text, "$1")
}

func extractJSON(data []byte, name string) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrCorruptFile, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: trailing data after JSON value", domain.ErrCorruptFile)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrCorruptFile, err)
	}
	return fmt.Sprintf("JSON файл %s:\n\n%s", name, strings.TrimRight(buf.String(), "\n")), nil
}

func extractCSV(data []byte, name string) (string, error) {
	text, err := decodeText(data)
	if err != nil {
		return "", err
	}

	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrCorruptFile, err)
	}

	lines := make([]string, 0, len(records)+1)
	lines = append(lines, fmt.Sprintf("CSV файл: %s\n", name))
	for _, rec := range records {
		if strings.TrimSpace(strings.Join(rec, "")) == "" {
			continue
		}
		lines = append(lines, strings.Join(rec, " | "))
	}
	return strings.Join(lines, "\n"), nil
}
