package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// Document is the subset of the document record the AI core reads and
// writes. The record itself is owned by the documents API.
type Document struct {
	ID             string
	Title          string
	Type           string
	Path           string
	Description    string
	Tags           []string
	Deleted        bool
	Classification *ClassificationResult
	UpdatedAt      time.Time
}

// Extension returns the lower-cased file extension of the stored object,
// including the leading dot.
func (d *Document) Extension() string {
	return strings.ToLower(filepath.Ext(d.Path))
}
