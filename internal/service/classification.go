package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/cloo-solutions/siriusdms/internal/metrics"
	"github.com/cloo-solutions/siriusdms/internal/model"
)

// TextGenerator produces text from a prompt. *model.Manager implements it.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, params model.GenerateParams) (string, error)
}

const operationClassify = "classify"

var classifyParams = model.GenerateParams{
	MaxNewTokens: 256,
	Temperature:  0.3,
	TopP:         0.9,
}

const classificationPrompt = `Проанализируй следующий документ и определи:
1. Тип документа (contract, invoice, act, order, correspondence, scan)
2. Название организации-контрагента (если есть)
3. Дату документа (если есть)
4. Приоритет (high, medium, low)
5. Краткое описание (1-2 предложения)

Имя файла: %s

Текст документа:
%s

Ответь одним JSON-объектом без пояснений:
{
    "type": "тип документа",
    "counterparty_name": "название организации или null",
    "date": "YYYY-MM-DD или null",
    "priority": "high/medium/low",
    "description": "краткое описание"
}`

// ClassifierConfig controls model-based classification.
type ClassifierConfig struct {
	// Chars is how many leading runes of the text are shown to the model.
	Chars   int
	Timeout time.Duration
}

// DefaultClassifierConfig returns the default classifier settings.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{Chars: 2000, Timeout: 60 * time.Second}
}

// Classifier infers document metadata with the language model and falls
// back to keyword matching whenever the model cannot give a valid answer.
type Classifier struct {
	gen     TextGenerator
	cfg     ClassifierConfig
	metrics *metrics.Metrics
}

// NewClassifier creates a Classifier. gen may be nil, in which case every
// document is classified by keywords.
func NewClassifier(gen TextGenerator, cfg ClassifierConfig, m *metrics.Metrics) *Classifier {
	def := DefaultClassifierConfig()
	if cfg.Chars <= 0 {
		cfg.Chars = def.Chars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Classifier{gen: gen, cfg: cfg, metrics: m}
}

// Classify never fails: any model error, timeout or malformed answer yields
// the keyword classification instead.
func (c *Classifier) Classify(ctx context.Context, text, filename string) domain.ClassificationResult {
	if c.gen == nil {
		c.metrics.GenerationFallback(operationClassify, metrics.ReasonUnavailable)
		return KeywordClassify(text, filename)
	}

	prompt := fmt.Sprintf(classificationPrompt, displayName(filename), truncateRunes(text, c.cfg.Chars))

	genCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := c.gen.Generate(genCtx, prompt, classifyParams)
	c.metrics.ObserveGeneration(operationClassify, time.Since(start))
	if err != nil {
		reason := generationFailureReason(genCtx, err)
		log.Printf("classification: model path failed for %q (%s): %v", filename, reason, err)
		c.metrics.GenerationFallback(operationClassify, reason)
		return KeywordClassify(text, filename)
	}

	result, err := ParseClassification(out, filename)
	if err != nil {
		log.Printf("classification: unusable model answer for %q: %v", filename, err)
		c.metrics.GenerationFallback(operationClassify, metrics.ReasonParse)
		return KeywordClassify(text, filename)
	}
	return *result
}

// generationFailureReason labels a failed generation call.
func generationFailureReason(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, domain.ErrGenerationTimeout),
		errors.Is(ctx.Err(), context.DeadlineExceeded):
		return metrics.ReasonTimeout
	case errors.Is(err, domain.ErrModelUnavailable):
		return metrics.ReasonUnavailable
	}
	return metrics.ReasonError
}

// modelClassification is the JSON shape the model is asked to produce.
type modelClassification struct {
	Type             *string  `json:"type"`
	CounterpartyName *string  `json:"counterparty_name"`
	Date             *string  `json:"date"`
	Priority         *string  `json:"priority"`
	Description      *string  `json:"description"`
	Tags             []string `json:"tags"`
}

// ParseClassification extracts the first JSON object from a model answer
// and checks it against the classification schema. Partially valid answers
// are rejected as a whole.
func ParseClassification(output, filename string) (*domain.ClassificationResult, error) {
	raw, err := firstJSONObject(output)
	if err != nil {
		return nil, err
	}

	var mc modelClassification
	if err := json.Unmarshal(raw, &mc); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	if mc.Type == nil || mc.Priority == nil || mc.Description == nil {
		return nil, fmt.Errorf("classification is missing type, priority or description")
	}

	docType := strings.ToLower(strings.TrimSpace(*mc.Type))
	if docType == "email" || docType == "letter" {
		docType = domain.DocumentTypeCorrespondence
	}

	result := &domain.ClassificationResult{
		Type:             docType,
		CounterpartyName: nullableText(mc.CounterpartyName),
		Date:             nullableText(mc.Date),
		Priority:         domain.Priority(strings.ToLower(strings.TrimSpace(*mc.Priority))),
		Description:      strings.TrimSpace(*mc.Description),
		Tags:             mc.Tags,
		Source:           domain.ClassificationSourceModel,
	}
	if result.Tags == nil {
		result.Tags = defaultTags(filename, docType)
	}
	if err := domain.ValidateClassification(result); err != nil {
		return nil, err
	}
	return result, nil
}

// firstJSONObject returns the first '{' position from which a complete JSON
// object can be decoded.
func firstJSONObject(s string) (json.RawMessage, error) {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[i:])).Decode(&raw); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("no JSON object in model output")
}

// nullableText maps absent, empty and "null" values to nil.
func nullableText(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || strings.EqualFold(v, "null") || strings.EqualFold(v, "none") {
		return nil
	}
	return &v
}

// vocabulary matches lowercase words either exactly or by stem.
type vocabulary struct {
	stems []string
	words []string
}

func (v vocabulary) matches(word string) bool {
	for _, w := range v.words {
		if word == w {
			return true
		}
	}
	for _, s := range v.stems {
		if strings.HasPrefix(word, s) {
			return true
		}
	}
	return false
}

// typeVocabulary is checked in order; the first type with a matching word wins.
var typeVocabulary = []struct {
	docType string
	vocab   vocabulary
}{
	{domain.DocumentTypeContract, vocabulary{
		stems: []string{"договор", "контракт", "соглашени", "contract", "agreement"},
	}},
	{domain.DocumentTypeInvoice, vocabulary{
		stems: []string{"счет-фактур", "invoice"},
		words: []string{"счет", "счета", "счету", "счетом", "счете"},
	}},
	{domain.DocumentTypeAct, vocabulary{
		stems: []string{"приемк", "приемо-сдаточн"},
		words: []string{"акт", "акта", "акту", "актом", "акте", "акты", "выполнения"},
	}},
	{domain.DocumentTypeOrder, vocabulary{
		stems: []string{"приказ", "распоряжени"},
		words: []string{"order"},
	}},
	{domain.DocumentTypeCorrespondence, vocabulary{
		stems: []string{"письм", "сообщени", "email", "e-mail", "correspondence"},
		words: []string{"letter"},
	}},
}

var (
	urgentVocabulary = vocabulary{
		stems: []string{"срочн", "urgent", "важн", "important", "немедленн"},
		words: []string{"asap"},
	}
	lowPriorityVocabulary = vocabulary{
		stems: []string{"низк", "неважн", "несрочн"},
		words: []string{"low"},
	}
)

// KeywordClassify derives a classification from vocabulary alone. It always
// returns a valid result.
func KeywordClassify(text, filename string) domain.ClassificationResult {
	words := tokenizeWords(text + " " + strings.TrimSuffix(filename, filepath.Ext(filename)))

	docType := domain.DocumentTypeScan
	for _, tv := range typeVocabulary {
		if anyWordMatches(words, tv.vocab) {
			docType = tv.docType
			break
		}
	}

	priority := domain.PriorityMedium
	switch {
	case anyWordMatches(words, urgentVocabulary):
		priority = domain.PriorityHigh
	case anyWordMatches(words, lowPriorityVocabulary):
		priority = domain.PriorityLow
	}

	return domain.ClassificationResult{
		Type:        docType,
		Priority:    priority,
		Description: "Документ: " + displayName(filename),
		Tags:        defaultTags(filename, docType),
		Source:      domain.ClassificationSourceFallback,
	}
}

func anyWordMatches(words []string, v vocabulary) bool {
	for _, w := range words {
		if v.matches(w) {
			return true
		}
	}
	return false
}

// tokenizeWords lowercases text and splits it into words of letters, digits
// and inner hyphens. ё is folded to е.
func tokenizeWords(text string) []string {
	text = strings.ReplaceAll(strings.ToLower(text), "ё", "е")
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	words := fields[:0]
	for _, f := range fields {
		if f = strings.Trim(f, "-"); f != "" {
			words = append(words, f)
		}
	}
	return words
}

func defaultTags(filename, docType string) []string {
	tags := make([]string, 0, 2)
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."); ext != "" {
		tags = append(tags, ext)
	}
	return append(tags, docType)
}

func displayName(filename string) string {
	if strings.TrimSpace(filename) == "" {
		return "без названия"
	}
	return filename
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
