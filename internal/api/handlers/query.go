package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/cloo-solutions/siriusdms/internal/api"
	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/cloo-solutions/siriusdms/internal/service"
)

type QueryAnswerer interface {
	Answer(ctx context.Context, query string) (*service.Answer, error)
}

type DocumentClassifier interface {
	Classify(ctx context.Context, text, filename string) domain.ClassificationResult
}

type QueryHandler struct {
	answerer   QueryAnswerer
	classifier DocumentClassifier
}

func NewQueryHandler(answerer QueryAnswerer, classifier DocumentClassifier) *QueryHandler {
	return &QueryHandler{answerer: answerer, classifier: classifier}
}

type QueryRequest struct {
	Query string `json:"query"`
}

type ClassifyRequest struct {
	Text     string `json:"text"`
	Filename string `json:"filename"`
}

func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}

	if strings.TrimSpace(req.Query) == "" {
		api.Error(w, http.StatusBadRequest, "query is required")
		return
	}

	answer, err := h.answerer.Answer(r.Context(), req.Query)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, answer)
}

func (h *QueryHandler) Classify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}

	if strings.TrimSpace(req.Text) == "" {
		api.Error(w, http.StatusBadRequest, "text is required")
		return
	}

	result := h.classifier.Classify(r.Context(), req.Text, req.Filename)
	api.Success(w, http.StatusOK, result)
}
