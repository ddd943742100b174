package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/cloo-solutions/siriusdms/internal/model"
)

// CompletionAPI is the part of the OpenAI-compatible API used for loading
// and generation.
type CompletionAPI interface {
	ListModels(ctx context.Context) (openai.ModelsList, error)
	CreateCompletion(ctx context.Context, req openai.CompletionRequest) (openai.CompletionResponse, error)
}

// Config configures the inference server client.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Client talks to a llama.cpp compatible inference server. It implements
// model.Runtime.
type Client struct {
	api     CompletionAPI
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at cfg.BaseURL.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = baseURL + "/v1"
	oc.HTTPClient = httpClient

	return &Client{
		api:     openai.NewClientWithConfig(oc),
		baseURL: baseURL,
		http:    httpClient,
	}
}

// Load verifies the server is serving the requested weights and returns a
// handle to them. Quantisation is fixed when the server starts; the flags
// are only checked for consistency.
func (c *Client) Load(ctx context.Context, opts model.LoadOptions) (model.Model, error) {
	if opts.LoadIn8Bit && opts.LoadIn4Bit {
		return nil, errors.New("8-bit and 4-bit loading are mutually exclusive")
	}

	list, err := c.api.ListModels(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	if len(list.Models) == 0 {
		return nil, errors.New("inference server reports no models")
	}

	servedID := ""
	for _, m := range list.Models {
		if sameModel(m.ID, opts.Source.ID) {
			servedID = m.ID
			break
		}
	}
	if servedID == "" {
		return nil, fmt.Errorf("inference server does not serve %s (serving %s)", opts.Source.ID, list.Models[0].ID)
	}

	device := opts.Device
	if device == "" || device == model.DeviceAuto {
		device = model.DeviceCPU
	}
	return &servedModel{client: c, id: servedID, device: device}, nil
}

// sameModel matches served ids against repository ids and local paths. The
// server may report either the full path or only the file name.
func sameModel(served, wanted string) bool {
	if served == wanted {
		return true
	}
	s := strings.ToLower(filepath.Base(served))
	w := strings.ToLower(filepath.Base(wanted))
	return s == w || strings.HasPrefix(s, w)
}

// servedModel is a model resident in the inference server. Device placement
// is owned by the server process, so MoveTo only records the placement
// requested by the manager.
type servedModel struct {
	client *Client
	id     string

	mu     sync.Mutex
	device model.Device
}

func (m *servedModel) Device() model.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

func (m *servedModel) MoveTo(_ context.Context, d model.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.device = d
	return nil
}

func (m *servedModel) Close() error {
	m.client.http.CloseIdleConnections()
	return nil
}

type tokenizeRequest struct {
	Content    string `json:"content"`
	AddSpecial bool   `json:"add_special"`
}

type tokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

func (m *servedModel) Tokenize(ctx context.Context, text string) ([]int, error) {
	var resp tokenizeResponse
	if err := m.client.postJSON(ctx, "/tokenize", tokenizeRequest{Content: text, AddSpecial: true}, &resp); err != nil {
		return nil, err
	}
	return resp.Tokens, nil
}

type embeddingRequest struct {
	Content [][]int `json:"content"`
}

type embeddingResult struct {
	Index     int         `json:"index"`
	Embedding [][]float32 `json:"embedding"`
}

// Forward sends the unpadded sequences and re-pads the per-token hidden
// states to the shape of ids. Padded positions are returned as zero vectors.
func (m *servedModel) Forward(ctx context.Context, ids [][]int, mask [][]int) ([][][]float32, error) {
	if len(ids) != len(mask) {
		return nil, fmt.Errorf("ids and mask batch sizes differ: %d != %d", len(ids), len(mask))
	}

	req := embeddingRequest{Content: make([][]int, len(ids))}
	positions := make([][]int, len(ids))
	for i := range ids {
		for j, tok := range ids[i] {
			if mask[i][j] == 0 {
				continue
			}
			req.Content[i] = append(req.Content[i], tok)
			positions[i] = append(positions[i], j)
		}
	}

	var results []embeddingResult
	if err := m.client.postJSON(ctx, "/embedding", req, &results); err != nil {
		return nil, err
	}
	if len(results) != len(ids) {
		return nil, fmt.Errorf("inference server returned %d results for %d inputs", len(results), len(ids))
	}

	out := make([][][]float32, len(ids))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(ids) {
			return nil, fmt.Errorf("inference server returned out of range index %d", r.Index)
		}
		if len(r.Embedding) != len(positions[r.Index]) {
			// pooling enabled server side: one vector instead of one per token
			return nil, fmt.Errorf("expected %d token states, got %d; start the server with --pooling none",
				len(positions[r.Index]), len(r.Embedding))
		}
		hidden := 0
		if len(r.Embedding) > 0 {
			hidden = len(r.Embedding[0])
		}
		rows := make([][]float32, len(ids[r.Index]))
		for j := range rows {
			rows[j] = make([]float32, hidden)
		}
		for k, pos := range positions[r.Index] {
			rows[pos] = r.Embedding[k]
		}
		out[r.Index] = rows
	}
	return out, nil
}

func (m *servedModel) Generate(ctx context.Context, prompt string, params model.GenerateParams) (string, error) {
	req := openai.CompletionRequest{
		Model:       m.id,
		Prompt:      prompt,
		MaxTokens:   params.MaxNewTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	}
	resp, err := m.client.api.CreateCompletion(ctx, req)
	if err != nil {
		return "", mapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no completion choices returned")
	}
	return resp.Choices[0].Text, nil
}

// ReleaseMemory clears the server's KV cache slot. Servers that do not expose
// slot management are left alone.
func (m *servedModel) ReleaseMemory(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.client.baseURL+"/slots/0?action=erase", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
