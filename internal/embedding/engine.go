package embedding

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/cloo-solutions/siriusdms/internal/metrics"
	"github.com/cloo-solutions/siriusdms/internal/model"
)

const gib = 1 << 30

// Backend runs the language model. *model.Manager satisfies it.
type Backend interface {
	Tokenize(ctx context.Context, text string) ([]int, error)
	Forward(ctx context.Context, ids [][]int, mask [][]int) ([][][]float32, error)
	ReleaseMemory(ctx context.Context) error
	Device() model.Device
	DeviceMemory() (uint64, error)
}

// Config configures the Engine.
type Config struct {
	// Dimension is the width of the vector column; every vector must match.
	Dimension int
	MaxTokens int
	// BatchCap bounds automatically chosen batch sizes.
	BatchCap int
}

// Engine turns text into L2-normalised vectors by mean-pooling the model's
// last hidden layer over non-padded positions.
type Engine struct {
	backend Backend
	cfg     Config
	metrics *metrics.Metrics
}

// NewEngine creates an embedding engine.
func NewEngine(backend Backend, cfg Config, m *metrics.Metrics) *Engine {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.BatchCap <= 0 {
		cfg.BatchCap = 32
	}
	return &Engine{backend: backend, cfg: cfg, metrics: m}
}

// Dimension returns the configured vector width.
func (e *Engine) Dimension() int {
	return e.cfg.Dimension
}

// BatchError reports items that could not be embedded even alone.
// Vectors for the other items are still returned.
type BatchError struct {
	Failed map[int]error
}

func (e *BatchError) Error() string {
	idx := e.indices()
	return fmt.Sprintf("failed to embed %d item(s), first at index %d: %v", len(idx), idx[0], e.Failed[idx[0]])
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, i := range e.indices() {
		errs = append(errs, e.Failed[i])
	}
	return errs
}

func (e *BatchError) indices() []int {
	idx := make([]int, 0, len(e.Failed))
	for i := range e.Failed {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Embed returns the vector for a single text.
func (e *Engine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text}, 1)
	if err != nil {
		var be *BatchError
		if errors.As(err, &be) {
			return nil, be.Failed[0]
		}
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in batches of batchSize, or an automatically chosen
// size when batchSize <= 0. A batch that runs out of memory is split in half
// until it fits; an item that fails alone is reported in a *BatchError while
// all other vectors are still returned.
func (e *Engine) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = e.AutoBatchSize()
	}

	tokens := make([][]int, len(texts))
	for i, text := range texts {
		ids, err := e.backend.Tokenize(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to tokenize item %d: %w", i, err)
		}
		if len(ids) > e.cfg.MaxTokens {
			ids = ids[:e.cfg.MaxTokens]
		}
		tokens[i] = ids
	}

	out := make([][]float32, len(texts))
	failed := make(map[int]error)
	for start := 0; start < len(tokens); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+batchSize, len(tokens))
		if err := e.embedRange(ctx, tokens, start, end, out, failed); err != nil {
			return nil, err
		}
	}

	if len(failed) > 0 {
		return out, &BatchError{Failed: failed}
	}
	return out, nil
}

// embedRange fills out[start:end]. Only out-of-memory errors are absorbed;
// anything else aborts the whole call.
func (e *Engine) embedRange(ctx context.Context, tokens [][]int, start, end int, out [][]float32, failed map[int]error) error {
	vecs, err := e.forward(ctx, tokens[start:end])
	if err == nil {
		copy(out[start:end], vecs)
		return nil
	}
	if !errors.Is(err, domain.ErrOutOfMemory) {
		return err
	}

	size := end - start
	if size == 1 {
		log.Printf("embedding: item %d does not fit in memory on its own: %v", start, err)
		failed[start] = err
		return nil
	}

	half := size / 2
	log.Printf("embedding: out of memory on batch of %d, retrying at %d", size, half)
	e.metrics.EmbeddingOOMRetry()
	if rerr := e.backend.ReleaseMemory(ctx); rerr != nil {
		log.Printf("embedding: failed to release device memory: %v", rerr)
	}

	for s := start; s < end; s += half {
		if err := e.embedRange(ctx, tokens, s, min(s+half, end), out, failed); err != nil {
			return err
		}
	}
	return nil
}

// forward runs one padded batch and pools it. Sequences without tokens get
// the zero vector and are not sent to the model.
func (e *Engine) forward(ctx context.Context, batch [][]int) ([][]float32, error) {
	out := make([][]float32, len(batch))

	var idx []int
	longest := 0
	for i, seq := range batch {
		if len(seq) == 0 {
			out[i] = make([]float32, e.cfg.Dimension)
			continue
		}
		idx = append(idx, i)
		longest = max(longest, len(seq))
	}
	if len(idx) == 0 {
		return out, nil
	}

	ids := make([][]int, len(idx))
	mask := make([][]int, len(idx))
	for k, i := range idx {
		ids[k] = make([]int, longest)
		mask[k] = make([]int, longest)
		copy(ids[k], batch[i])
		for j := range batch[i] {
			mask[k][j] = 1
		}
	}

	e.metrics.EmbeddingBatch(len(idx))
	hidden, err := e.backend.Forward(ctx, ids, mask)
	if err != nil {
		return nil, err
	}
	if len(hidden) != len(idx) {
		return nil, fmt.Errorf("model returned %d hidden states for batch of %d", len(hidden), len(idx))
	}

	for k, i := range idx {
		vec, err := MeanPool(hidden[k], mask[k])
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
		if len(vec) != e.cfg.Dimension {
			return nil, fmt.Errorf("%w: model produced %d dimensions, store expects %d",
				domain.ErrDimensionMismatch, len(vec), e.cfg.Dimension)
		}
		out[i] = domain.Normalize(vec)
	}
	return out, nil
}

// MeanPool averages the hidden states of positions where mask is 1. Every
// position must have the same width.
func MeanPool(hidden [][]float32, mask []int) ([]float32, error) {
	width := 0
	if len(hidden) > 0 {
		width = len(hidden[0])
	}
	sum := make([]float64, width)
	count := 0
	for pos, state := range hidden {
		if pos >= len(mask) || mask[pos] == 0 {
			continue
		}
		if len(state) != width {
			return nil, fmt.Errorf("hidden state at position %d has %d values, expected %d", pos, len(state), width)
		}
		count++
		for d, v := range state {
			sum[d] += float64(v)
		}
	}

	out := make([]float32, width)
	if count == 0 {
		return out, nil
	}
	for d := range sum {
		out[d] = float32(sum[d] / float64(count))
	}
	return out, nil
}

// AutoBatchSize picks a batch size from the backend's device and memory.
func (e *Engine) AutoBatchSize() int {
	device := e.backend.Device()
	mem, err := e.backend.DeviceMemory()
	if err != nil {
		log.Printf("embedding: could not read %s memory, using minimum batch: %v", device, err)
		mem = 0
	}
	return AutoBatchSize(device, mem, e.cfg.BatchCap)
}

// AutoBatchSize maps device memory to a batch size, bounded by limit.
func AutoBatchSize(device model.Device, memBytes uint64, limit int) int {
	size := 4
	switch device {
	case model.DeviceCUDA:
		switch {
		case memBytes >= 40*gib:
			size = 32
		case memBytes >= 20*gib:
			size = 16
		case memBytes >= 10*gib:
			size = 8
		}
	case model.DeviceMPS:
		size = 2
	}
	if limit > 0 && size > limit {
		size = limit
	}
	return size
}
