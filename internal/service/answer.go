package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/cloo-solutions/siriusdms/internal/metrics"
	"github.com/cloo-solutions/siriusdms/internal/model"
	"github.com/cloo-solutions/siriusdms/internal/telemetry"
)

const operationAnswer = "answer"

const (
	noDocumentsAnswer     = "Не найдено релевантных документов."
	searchUnavailable     = "Поиск по документам временно недоступен. Попробуйте повторить запрос позже."
	answerFallbackPattern = "Найдено %d релевантных документов. Извините, не удалось сформировать ответ. Попробуйте переформулировать вопрос."
)

const answerPrompt = `На основе следующего контекста из документов ответь на вопрос пользователя.
Используй только те документы, которые действительно относятся к вопросу. Если ни один документ не относится к вопросу, прямо скажи об этом.

Контекст:
%s

Вопрос: %s

Ответь кратко и по делу.`

var answerParams = model.GenerateParams{
	MaxNewTokens:    256,
	Temperature:     0.7,
	TopP:            0.9,
	CollapseRepeats: true,
}

// QueryEmbedder turns a query into a vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkSearcher returns chunks ranked by similarity to a vector.
type ChunkSearcher interface {
	Search(ctx context.Context, vector []float32, topK int) ([]domain.ScoredChunk, error)
}

// AvailabilityChecker reports which documents can be served immediately.
type AvailabilityChecker interface {
	Available(ctx context.Context, documentIDs []string) (map[string]bool, error)
}

// DownloadLinker produces a temporary download link for a stored object.
type DownloadLinker interface {
	GenerateDownloadURL(ctx context.Context, key string) (string, error)
}

// AnswerPolicy tunes retrieval and answer generation.
type AnswerPolicy struct {
	TopK          int
	ContextChunks int
	// HighConfidenceThreshold is the similarity at which a document is
	// surfaced on its own merit. Below it only the best match is returned.
	HighConfidenceThreshold float64
	SnippetRunes            int
	Timeout                 time.Duration
}

// DefaultAnswerPolicy returns the default retrieval settings.
func DefaultAnswerPolicy() AnswerPolicy {
	return AnswerPolicy{
		TopK:                    20,
		ContextChunks:           10,
		HighConfidenceThreshold: 0.90,
		SnippetRunes:            300,
		Timeout:                 60 * time.Second,
	}
}

// DocumentHit is a document surfaced for a query.
type DocumentHit struct {
	DocumentID  string  `json:"document_id"`
	Title       string  `json:"title"`
	Type        string  `json:"type"`
	Path        string  `json:"path,omitempty"`
	Available   bool    `json:"available"`
	Similarity  float64 `json:"similarity"`
	DownloadURL string  `json:"download_url,omitempty"`
}

// Answer is the response to a natural-language query.
type Answer struct {
	Query     string        `json:"query"`
	Answer    string        `json:"answer"`
	Documents []DocumentHit `json:"documents"`
	// Degraded is set when the answer text is a template rather than
	// generated by the model.
	Degraded bool `json:"degraded"`
}

// QueryService answers questions over the indexed documents.
type QueryService struct {
	embedder QueryEmbedder
	searcher ChunkSearcher
	gen      TextGenerator
	policy   AnswerPolicy
	metrics  *metrics.Metrics

	availability AvailabilityChecker
	linker       DownloadLinker
	pick         func(n int) int
}

// NewQueryService creates a QueryService.
func NewQueryService(embedder QueryEmbedder, searcher ChunkSearcher, gen TextGenerator, policy AnswerPolicy, m *metrics.Metrics) *QueryService {
	def := DefaultAnswerPolicy()
	if policy.TopK <= 0 {
		policy.TopK = def.TopK
	}
	if policy.ContextChunks <= 0 {
		policy.ContextChunks = def.ContextChunks
	}
	if policy.SnippetRunes <= 0 {
		policy.SnippetRunes = def.SnippetRunes
	}
	if policy.Timeout <= 0 {
		policy.Timeout = def.Timeout
	}
	return &QueryService{
		embedder: embedder,
		searcher: searcher,
		gen:      gen,
		policy:   policy,
		metrics:  m,
	}
}

// WithAvailability sets the checker used to fill DocumentHit.Available.
func (s *QueryService) WithAvailability(a AvailabilityChecker) *QueryService {
	s.availability = a
	return s
}

// WithDownloadLinks attaches temporary download links to surfaced documents.
func (s *QueryService) WithDownloadLinks(l DownloadLinker) *QueryService {
	s.linker = l
	return s
}

// Answer retrieves documents relevant to query and synthesises an answer.
// Apart from an empty query and configuration errors, failures produce a
// degraded answer instead of an error.
func (s *QueryService) Answer(ctx context.Context, query string) (*Answer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.ErrEmptyQuery
	}

	if reply, ok := SmallTalk(query, s.pick); ok {
		return &Answer{Query: query, Answer: reply, Documents: []DocumentHit{}}, nil
	}

	retrieveCtx, span := telemetry.StartSpan(ctx, "query.retrieve", telemetry.SpanAttributes{})
	chunks, err := s.retrieve(retrieveCtx, query)
	span.SetData("chunks", len(chunks))
	span.Finish(err)
	if err != nil {
		if errors.Is(err, domain.ErrDimensionMismatch) {
			return nil, err
		}
		log.Printf("query: %v", err)
		return &Answer{Query: query, Answer: searchUnavailable, Documents: []DocumentHit{}, Degraded: true}, nil
	}
	if len(chunks) == 0 {
		return &Answer{Query: query, Answer: noDocumentsAnswer, Documents: []DocumentHit{}}, nil
	}

	documents := FilterDocuments(GroupByDocument(chunks), s.policy.HighConfidenceThreshold)
	s.annotate(ctx, documents)

	result := &Answer{Query: query, Documents: documents}
	genCtx, span := telemetry.StartSpan(ctx, "query.generate", telemetry.SpanAttributes{})
	text, reason := s.generate(genCtx, query, ContextChunks(chunks, documents, s.policy.ContextChunks, s.policy.SnippetRunes))
	span.SetData("fallback_reason", reason)
	span.Finish(nil)
	if reason != "" {
		s.metrics.GenerationFallback(operationAnswer, reason)
		result.Answer = fmt.Sprintf(answerFallbackPattern, len(documents))
		result.Degraded = true
		return result, nil
	}
	result.Answer = text
	return result, nil
}

// retrieve embeds the query and returns the nearest chunks.
func (s *QueryService) retrieve(ctx context.Context, query string) ([]domain.ScoredChunk, error) {
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding failed, answering without retrieval: %w", err)
	}
	chunks, err := s.searcher.Search(ctx, vector, s.policy.TopK)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return chunks, nil
}

// generate returns the model answer, or an empty string and the fallback
// reason.
func (s *QueryService) generate(ctx context.Context, query, contextBlock string) (string, string) {
	if s.gen == nil {
		return "", metrics.ReasonUnavailable
	}

	genCtx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
	defer cancel()

	start := time.Now()
	text, err := s.gen.Generate(genCtx, fmt.Sprintf(answerPrompt, contextBlock, query), answerParams)
	s.metrics.ObserveGeneration(operationAnswer, time.Since(start))
	if err != nil {
		reason := generationFailureReason(genCtx, err)
		log.Printf("query: answer generation failed (%s): %v", reason, err)
		return "", reason
	}
	if strings.TrimSpace(text) == "" {
		return "", metrics.ReasonParse
	}
	return strings.TrimSpace(text), ""
}

// annotate fills availability and download links. Failures leave the
// documents marked unavailable.
func (s *QueryService) annotate(ctx context.Context, documents []DocumentHit) {
	if s.availability != nil {
		ids := make([]string, len(documents))
		for i, d := range documents {
			ids[i] = d.DocumentID
		}
		available, err := s.availability.Available(ctx, ids)
		if err != nil {
			log.Printf("query: document cache unavailable: %v", err)
		}
		for i := range documents {
			documents[i].Available = available[documents[i].DocumentID]
		}
	}

	if s.linker != nil {
		for i := range documents {
			if documents[i].Path == "" {
				continue
			}
			url, err := s.linker.GenerateDownloadURL(ctx, documents[i].Path)
			if err != nil {
				log.Printf("query: download link for %s: %v", documents[i].DocumentID, err)
				continue
			}
			documents[i].DownloadURL = url
		}
	}
}

// GroupByDocument collapses chunks to one hit per document carrying the
// highest similarity seen. Hits are ordered by descending similarity; ties
// keep the order in which documents first appeared.
func GroupByDocument(chunks []domain.ScoredChunk) []DocumentHit {
	index := make(map[string]int)
	hits := make([]DocumentHit, 0)
	for _, c := range chunks {
		if i, ok := index[c.DocumentID]; ok {
			if c.Similarity > hits[i].Similarity {
				hits[i].Similarity = c.Similarity
			}
			continue
		}
		index[c.DocumentID] = len(hits)
		hits = append(hits, DocumentHit{
			DocumentID: c.DocumentID,
			Title:      c.DocumentTitle,
			Type:       c.DocumentType,
			Path:       c.DocumentPath,
			Similarity: c.Similarity,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	return hits
}

// FilterDocuments keeps every hit at or above threshold. When none reaches
// it, only the best hit is kept. hits must be sorted by descending
// similarity.
func FilterDocuments(hits []DocumentHit, threshold float64) []DocumentHit {
	if len(hits) == 0 {
		return []DocumentHit{}
	}
	confident := make([]DocumentHit, 0, len(hits))
	for _, h := range hits {
		if h.Similarity >= threshold {
			confident = append(confident, h)
		}
	}
	if len(confident) > 0 {
		return confident
	}
	return []DocumentHit{hits[0]}
}

// ContextChunks builds the prompt context from the most similar chunks of
// the surfaced documents, grouped under their document title.
func ContextChunks(chunks []domain.ScoredChunk, documents []DocumentHit, limit, snippetRunes int) string {
	keep := make(map[string]bool, len(documents))
	for _, d := range documents {
		keep[d.DocumentID] = true
	}

	order := make([]string, 0, len(documents))
	titles := make(map[string]string)
	snippets := make(map[string][]string)
	taken := 0
	for _, c := range chunks {
		if taken == limit {
			break
		}
		if !keep[c.DocumentID] {
			continue
		}
		if _, seen := snippets[c.DocumentID]; !seen {
			order = append(order, c.DocumentID)
			titles[c.DocumentID] = c.DocumentTitle
		}
		snippets[c.DocumentID] = append(snippets[c.DocumentID], strings.TrimSpace(truncateRunes(c.Text, snippetRunes)))
		taken++
	}

	blocks := make([]string, 0, len(order))
	for _, id := range order {
		blocks = append(blocks, fmt.Sprintf("Документ: %s\n%s", titles[id], strings.Join(snippets[id], "\n...\n")))
	}
	return strings.Join(blocks, "\n\n")
}
