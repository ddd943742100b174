//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode"

	"github.com/cloo-solutions/siriusdms/internal/cli/daemon"
	"github.com/cloo-solutions/siriusdms/internal/config"
	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/cloo-solutions/siriusdms/internal/jobs"
	"github.com/cloo-solutions/siriusdms/internal/repository"
	"github.com/cloo-solutions/siriusdms/internal/storage"
	"github.com/cloo-solutions/siriusdms/internal/testutil"
	"github.com/google/uuid"
)

const (
	embeddingDimension = 2560
	testBucket         = "test-documents"
	servedModelID      = "/models/qwen3-4b-q4_k_m.gguf"
)

// E2ETestEnv holds all resources needed for E2E tests
type E2ETestEnv struct {
	T          *testing.T
	Ctx        context.Context
	PostgresC  *testutil.PostgresContainer
	RedisC     *testutil.RedisContainer
	RustFSC    *testutil.RustFSContainer
	Inference  *httptest.Server
	Config     *config.Config
	App        *daemon.App
	Worker     *jobs.Worker
	S3Client   *storage.S3Client
	ServerURL  string
	BinaryDir  string
	HTTPClient *http.Client

	serverCloser func()
	cancelRuns   context.CancelFunc
}

// SetupE2EEnv starts postgres, redis, object storage and a fake inference
// server, then serves the full application on a free port.
func SetupE2EEnv(t *testing.T) *E2ETestEnv {
	ctx := context.Background()

	env := &E2ETestEnv{
		T:          t,
		Ctx:        ctx,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	env.PostgresC = testutil.NewPostgresContainer(ctx, t)
	env.RedisC = testutil.NewRedisContainer(ctx, t)
	env.RustFSC = testutil.NewRustFSContainer(ctx, t)
	env.Inference = httptest.NewServer(fakeInferenceHandler())

	env.Config = &config.Config{
		DatabaseURL:             env.PostgresC.ConnectionString(),
		DBMaxConns:              8,
		RedisURL:                env.RedisC.URL(),
		IngestionStream:         "e2e:ingestion",
		ConsumerGroup:           "e2e-workers",
		ConsumerName:            "e2e-1",
		LocalWorkers:            2,
		S3Endpoint:              env.RustFSC.URL(),
		S3AccessKey:             testutil.RustFSAccessKey,
		S3SecretKey:             testutil.RustFSSecretKey,
		S3Bucket:                testBucket,
		S3Region:                "us-east-1",
		ModelName:               "Qwen/Qwen3-4B",
		ModelDevice:             "cpu",
		ModelRetryInterval:      time.Second,
		InferenceURL:            env.Inference.URL,
		EmbeddingDimension:      embeddingDimension,
		EmbeddingMaxTokens:      512,
		EmbeddingBatchCap:       8,
		ChunkSize:               200,
		ChunkOverlap:            40,
		TopK:                    20,
		ContextChunks:           10,
		HighConfidenceThreshold: 0.9,
		GenerationTimeout:       10 * time.Second,
		ClassificationChars:     2000,
		DocumentCacheTTL:        time.Hour,
		Environment:             "test",
	}
	if err := env.Config.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	env.cancelRuns = cancel

	app, err := daemon.NewApp(runCtx, env.Config, daemon.AppOptions{Migrations: "file://../../migrations"})
	if err != nil {
		env.Cleanup()
		t.Fatalf("failed to start app: %v", err)
	}
	env.App = app
	env.Worker = app.StartWorker(runCtx)

	env.S3Client, err = storage.NewS3Client(ctx, storage.S3ClientConfig{
		Endpoint:        env.Config.S3Endpoint,
		Region:          env.Config.S3Region,
		AccessKeyID:     env.Config.S3AccessKey,
		SecretAccessKey: env.Config.S3SecretKey,
		Bucket:          testBucket,
		UsePathStyle:    true,
	})
	if err != nil {
		env.Cleanup()
		t.Fatalf("failed to create S3 client: %v", err)
	}

	port, err := getFreePort()
	if err != nil {
		env.Cleanup()
		t.Fatalf("failed to get free port: %v", err)
	}
	env.ServerURL, env.serverCloser = startServer(t, app.Router(), port)

	return env
}

// Cleanup releases all resources
func (e *E2ETestEnv) Cleanup() {
	if e.serverCloser != nil {
		e.serverCloser()
	}
	if e.Worker != nil {
		e.Worker.Stop()
	}
	if e.cancelRuns != nil {
		e.cancelRuns()
	}
	if e.App != nil {
		e.App.Close()
	}
	if e.Inference != nil {
		e.Inference.Close()
	}
	if e.RustFSC != nil {
		e.RustFSC.Terminate(e.Ctx)
	}
	if e.RedisC != nil {
		e.RedisC.Terminate(e.Ctx)
	}
	if e.PostgresC != nil {
		e.PostgresC.Terminate(e.Ctx)
	}
	if e.BinaryDir != "" {
		os.RemoveAll(e.BinaryDir)
	}
}

// SeedDocument stores content in object storage and registers the document
// the way the documents API would.
func (e *E2ETestEnv) SeedDocument(title, filename, content string) string {
	id := uuid.NewString()
	key := "uploads/" + id + "/" + filename
	if err := e.S3Client.PutObject(e.Ctx, key, []byte(content), "text/plain"); err != nil {
		e.T.Fatalf("failed to upload %s: %v", filename, err)
	}
	doc := &domain.Document{ID: id, Title: title, Path: key}
	if err := repository.NewDocumentRepository(e.App.Pool).Create(e.Ctx, doc); err != nil {
		e.T.Fatalf("failed to create document %s: %v", title, err)
	}
	return id
}

// BuildBinary builds siriusd
func (e *E2ETestEnv) BuildBinary() {
	tmpDir, err := os.MkdirTemp("", "siriusd-e2e-*")
	if err != nil {
		e.T.Fatalf("failed to create temp dir: %v", err)
	}
	e.BinaryDir = tmpDir

	cmd := exec.Command("go", "build", "-o", filepath.Join(tmpDir, "siriusd"), "./cmd/siriusd")
	cmd.Dir = "../.."
	if out, err := cmd.CombinedOutput(); err != nil {
		e.T.Fatalf("failed to build siriusd: %v\n%s", err, out)
	}
}

// RunSiriusd runs the siriusd binary against the test environment
func (e *E2ETestEnv) RunSiriusd(args ...string) (string, error) {
	cmd := exec.Command(filepath.Join(e.BinaryDir, "siriusd"), args...)
	cmd.Dir = "../.."
	cmd.Env = append(os.Environ(),
		"SIRIUS_DATABASE_URL="+e.Config.DatabaseURL,
		"SIRIUS_REDIS_URL="+e.Config.RedisURL,
		"SIRIUS_INGESTION_STREAM="+e.Config.IngestionStream,
		"SIRIUS_S3_ENDPOINT="+e.Config.S3Endpoint,
		"SIRIUS_S3_ACCESS_KEY_ID="+e.Config.S3AccessKey,
		"SIRIUS_S3_SECRET_ACCESS_KEY="+e.Config.S3SecretKey,
		"SIRIUS_S3_BUCKET="+testBucket,
		"SIRIUS_INFERENCE_URL="+e.Config.InferenceURL,
		"SIRIUS_MODEL_DEVICE=cpu",
		"SIRIUS_CHUNK_SIZE=200",
		"SIRIUS_CHUNK_OVERLAP=40",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

// APIResponse represents a standard API response
type APIResponse struct {
	Status int
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// Get performs a GET request
func (e *E2ETestEnv) Get(path string) (*APIResponse, error) {
	return e.doRequest(http.MethodGet, path, nil)
}

// Post performs a POST request
func (e *E2ETestEnv) Post(path string, body interface{}) (*APIResponse, error) {
	return e.doRequest(http.MethodPost, path, body)
}

// Delete performs a DELETE request
func (e *E2ETestEnv) Delete(path string) (*APIResponse, error) {
	return e.doRequest(http.MethodDelete, path, nil)
}

func (e *E2ETestEnv) doRequest(method, path string, body interface{}) (*APIResponse, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, e.ServerURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var apiResp APIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	apiResp.Status = resp.StatusCode

	if resp.StatusCode >= 400 {
		return &apiResp, fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiResp.Error)
	}
	return &apiResp, nil
}

// WaitForTask polls the ingestion status of a document until it finishes.
func (e *E2ETestEnv) WaitForTask(documentID string, timeout time.Duration) map[string]any {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := e.Get("/documents/" + documentID + "/ingestion")
		if err == nil {
			var task map[string]any
			if err := json.Unmarshal(resp.Data, &task); err == nil {
				state, _ := task["state"].(string)
				if state == string(domain.IngestionTaskSucceeded) || state == string(domain.IngestionTaskFailed) {
					return task
				}
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	e.T.Fatalf("ingestion of %s did not finish within %v", documentID, timeout)
	return nil
}

func startServer(t *testing.T, handler http.Handler, port int) (string, func()) {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.Logf("server error: %v", err)
		}
	}()

	serverURL := fmt.Sprintf("http://localhost:%d", port)
	waitForServer(t, serverURL, 10*time.Second)

	return serverURL, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func waitForServer(t *testing.T, url string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server did not start within %v", timeout)
}

func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// fakeInferenceHandler imitates llama-server. Tokens are hashed words and
// each token's hidden state is a one-hot vector, so mean pooling yields a
// bag-of-words embedding and texts sharing words are similar.
func fakeInferenceHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   []map[string]any{{"id": servedModelID, "object": "model"}},
		})
	})
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tokens": wordTokens(req.Content)})
	})
	mux.HandleFunc("/embedding", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Content [][]int `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		results := make([]map[string]any, len(req.Content))
		for i, seq := range req.Content {
			states := make([][]float32, len(seq))
			for j, tok := range seq {
				state := make([]float32, embeddingDimension)
				state[tok%embeddingDimension] = 1
				states[j] = state
			}
			results[i] = map[string]any{"index": i, "embedding": states}
		}
		_ = json.NewEncoder(w).Encode(results)
	})
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		text := "Найден договор поставки оборудования с ООО Ромашка."
		if strings.Contains(req.Prompt, "JSON") {
			text = `{"type": "contract", "counterparty_name": "ООО Ромашка", "date": "2024-03-15", "priority": "high", "description": "Договор поставки оборудования"}`
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-e2e",
			"object":  "text_completion",
			"model":   servedModelID,
			"choices": []map[string]any{{"text": text, "index": 0, "finish_reason": "stop"}},
		})
	})
	return mux
}

func wordTokens(text string) []int {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]int, 0, len(words))
	for _, word := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		tokens = append(tokens, int(h.Sum32()%embeddingDimension))
	}
	return tokens
}
