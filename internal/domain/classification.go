package domain

import (
	"fmt"
	"time"
)

// Priority is the urgency assigned to a document.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Document types produced by classification.
const (
	DocumentTypeContract       = "contract"
	DocumentTypeInvoice        = "invoice"
	DocumentTypeAct            = "act"
	DocumentTypeOrder          = "order"
	DocumentTypeCorrespondence = "correspondence"
	DocumentTypeScan           = "scan"
)

// ClassificationSource records which path produced a classification.
type ClassificationSource string

const (
	ClassificationSourceModel    ClassificationSource = "model"
	ClassificationSourceFallback ClassificationSource = "fallback"
)

// DateLayout is the only accepted document date format.
const DateLayout = "2006-01-02"

// ClassificationResult is the structured metadata inferred for a document.
type ClassificationResult struct {
	Type             string               `json:"type"`
	CounterpartyName *string              `json:"counterparty_name"`
	Date             *string              `json:"date"`
	Priority         Priority             `json:"priority"`
	Description      string               `json:"description"`
	Tags             []string             `json:"tags"`
	Source           ClassificationSource `json:"source"`
}

// ValidateClassification checks that a result satisfies the schema.
func ValidateClassification(c *ClassificationResult) error {
	if c == nil {
		return fmt.Errorf("classification cannot be nil")
	}
	if !IsValidDocumentType(c.Type) {
		return fmt.Errorf("classification type is invalid: %q", c.Type)
	}
	if !IsValidPriority(c.Priority) {
		return fmt.Errorf("classification priority is invalid: %q", c.Priority)
	}
	if c.Date != nil {
		if _, err := time.Parse(DateLayout, *c.Date); err != nil {
			return fmt.Errorf("classification date is invalid: %q", *c.Date)
		}
	}
	if c.Tags == nil {
		return fmt.Errorf("classification tags are required")
	}
	return nil
}

// IsValidPriority reports whether p is one of the known priorities.
func IsValidPriority(p Priority) bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// IsValidDocumentType reports whether t is one of the known document types.
func IsValidDocumentType(t string) bool {
	switch t {
	case DocumentTypeContract, DocumentTypeInvoice, DocumentTypeAct,
		DocumentTypeOrder, DocumentTypeCorrespondence, DocumentTypeScan:
		return true
	}
	return false
}
