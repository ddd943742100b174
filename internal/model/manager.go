package model

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// GenerateParams controls a single generation call.
type GenerateParams struct {
	MaxNewTokens int
	Temperature  float32
	TopP         float32
	// CollapseRepeats reduces self-repeating output to its first line.
	CollapseRepeats bool
}

// LoadOptions is passed to the runtime when the model is loaded.
type LoadOptions struct {
	Source     Source
	Device     Device
	LoadIn8Bit bool
	LoadIn4Bit bool
}

// Runtime loads model weights into an executable Model.
type Runtime interface {
	Load(ctx context.Context, opts LoadOptions) (Model, error)
}

// Model is a loaded causal language model and its tokenizer. Implementations
// need not be safe for concurrent use; Manager serialises all calls.
type Model interface {
	Tokenize(ctx context.Context, text string) ([]int, error)
	// Forward runs a padded batch and returns the last hidden layer as
	// [batch][position][hidden].
	Forward(ctx context.Context, ids [][]int, mask [][]int) ([][][]float32, error)
	Generate(ctx context.Context, prompt string, params GenerateParams) (string, error)
	Device() Device
	MoveTo(ctx context.Context, d Device) error
	ReleaseMemory(ctx context.Context) error
	Close() error
}

// Config configures the Manager.
type Config struct {
	ModelName      string
	ModelPath      string
	DeviceOverride string
	LoadIn8Bit     bool
	LoadIn4Bit     bool
	RetryInterval  time.Duration
}

// Manager owns the single model instance of the process. The model is loaded
// on first use and stays loaded until Close.
type Manager struct {
	cfg     Config
	runtime Runtime
	probe   DeviceProbe
	now     func() time.Time

	// mu guards the load state up to lastAttempt. It is never held across a
	// runtime call.
	mu          sync.Mutex
	model       Model
	device      Device
	loadErr     error
	lastAttempt time.Time

	load singleflight.Group

	// infer serialises every call into the model, including relocation.
	infer *semaphore.Weighted
}

// NewManager creates a manager. Nothing is loaded until EnsureLoaded.
func NewManager(cfg Config, runtime Runtime, probe DeviceProbe) *Manager {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Minute
	}
	return &Manager{
		cfg:     cfg,
		runtime: runtime,
		probe:   probe,
		now:     time.Now,
		infer:   semaphore.NewWeighted(1),
	}
}

// EnsureLoaded loads the model if it is not loaded yet. Concurrent callers
// share a single load; a caller whose ctx ends first gets
// domain.ErrModelUnavailable while the load carries on for the others. After
// a failure, further attempts are refused until the retry interval has passed.
func (m *Manager) EnsureLoaded(ctx context.Context) error {
	m.mu.Lock()
	if m.model != nil {
		m.mu.Unlock()
		return nil
	}
	if m.loadErr != nil && m.now().Sub(m.lastAttempt) < m.cfg.RetryInterval {
		err := m.loadErr
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err)
	}
	m.mu.Unlock()

	// the load outlives any single caller
	loadCtx := context.WithoutCancel(ctx)
	ch := m.load.DoChan("load", func() (interface{}, error) {
		return nil, m.loadModel(loadCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: model is still loading: %w", domain.ErrModelUnavailable, ctx.Err())
	}
}

func (m *Manager) loadModel(ctx context.Context) error {
	m.mu.Lock()
	if m.model != nil {
		m.mu.Unlock()
		return nil
	}
	m.lastAttempt = m.now()
	m.mu.Unlock()

	device := BestDevice(m.cfg.DeviceOverride, m.probe)
	opts := LoadOptions{
		Source:     ResolveSource(m.cfg.ModelPath, m.cfg.ModelName),
		Device:     device,
		LoadIn8Bit: m.cfg.LoadIn8Bit,
		LoadIn4Bit: m.cfg.LoadIn4Bit,
	}

	start := time.Now()
	loaded, err := m.runtime.Load(ctx, opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.loadErr = err
		log.Printf("model: failed to load %s on %s: %v", opts.Source, device, err)
		return fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err)
	}
	m.model = loaded
	m.device = loaded.Device()
	m.loadErr = nil
	log.Printf("model: loaded %s on %s in %s", opts.Source, m.device, time.Since(start).Round(time.Millisecond))
	return nil
}

// Available reports whether the model is currently loaded. It never
// triggers a load or waits for one.
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model != nil
}

// Device returns the device holding the model, or the device that would be
// chosen if the model is not loaded yet.
func (m *Manager) Device() Device {
	m.mu.Lock()
	if m.model != nil {
		defer m.mu.Unlock()
		return m.device
	}
	m.mu.Unlock()
	return BestDevice(m.cfg.DeviceOverride, m.probe)
}

// DeviceMemory returns the memory of the model's device.
func (m *Manager) DeviceMemory() (uint64, error) {
	return m.probe.MemoryBytes(m.Device())
}

// acquire loads the model if needed and takes the inference slot. The
// returned release must be called when the call into the model is done.
func (m *Manager) acquire(ctx context.Context) (Model, func(), error) {
	if err := m.EnsureLoaded(ctx); err != nil {
		return nil, nil, err
	}
	if err := m.infer.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	mdl := m.model
	m.mu.Unlock()
	if mdl == nil {
		m.infer.Release(1)
		return nil, nil, fmt.Errorf("%w: model was closed", domain.ErrModelUnavailable)
	}
	return mdl, func() { m.infer.Release(1) }, nil
}

// Generate produces text for prompt. On unified-memory devices the model is
// moved to the CPU for the call and always moved back afterwards.
func (m *Manager) Generate(ctx context.Context, prompt string, params GenerateParams) (string, error) {
	mdl, release, err := m.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	if original := mdl.Device(); original == DeviceMPS {
		if err := mdl.MoveTo(ctx, DeviceCPU); err != nil {
			return "", fmt.Errorf("%w: relocate to cpu: %v", domain.ErrModelUnavailable, err)
		}
		defer func() {
			// ctx may already be done here; the model must still go back
			if err := mdl.MoveTo(context.Background(), original); err != nil {
				log.Printf("model: failed to restore model to %s: %v", original, err)
			}
		}()
	}

	out, err := mdl.Generate(ctx, prompt, params)
	if err != nil {
		return "", classifyError(err)
	}
	return PostProcess(prompt, out, params.CollapseRepeats), nil
}

// Tokenize converts text to token ids.
func (m *Manager) Tokenize(ctx context.Context, text string) ([]int, error) {
	mdl, release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ids, err := mdl.Tokenize(ctx, text)
	if err != nil {
		return nil, classifyError(err)
	}
	return ids, nil
}

// Forward returns the last hidden layer for a padded batch.
func (m *Manager) Forward(ctx context.Context, ids [][]int, mask [][]int) ([][][]float32, error) {
	mdl, release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	hidden, err := mdl.Forward(ctx, ids, mask)
	if err != nil {
		return nil, classifyError(err)
	}
	return hidden, nil
}

// ReleaseMemory asks the runtime to free cached device memory.
func (m *Manager) ReleaseMemory(ctx context.Context) error {
	mdl, release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return mdl.ReleaseMemory(ctx)
}

// Close releases the model after any call in flight has finished. A later
// call to EnsureLoaded loads it again.
func (m *Manager) Close() error {
	if err := m.infer.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer m.infer.Release(1)

	m.mu.Lock()
	mdl := m.model
	m.model = nil
	m.mu.Unlock()
	if mdl == nil {
		return nil
	}
	return mdl.Close()
}

// classifyError keeps errors callers branch on and turns the rest into
// domain.ErrModelUnavailable.
func classifyError(err error) error {
	switch {
	case errors.Is(err, domain.ErrOutOfMemory),
		errors.Is(err, domain.ErrModelUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err)
}
