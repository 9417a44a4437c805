package tts_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/expose"
	"github.com/book-expert/narrator-service/internal/tts"
	"github.com/cenkalti/backoff/v3"
	"github.com/stretchr/testify/require"
)

const (
	testToken   = "r8_test_token"
	testVersion = "test-version"
)

// fakeModel is a predictions API that fetches the reference voice from the
// exposed URL when a prediction is created, the way the hosted model does.
type fakeModel struct {
	server *httptest.Server

	mu           sync.Mutex
	nextID       int
	polls        map[string]int
	inputs       []map[string]any
	fetched      [][]byte
	authHeaders  []string
	output       []byte
	pendingPolls int
	failRun      bool
	createStatus int
	outputFails  int
}

func newFakeModel(t *testing.T, output []byte) *fakeModel {
	t.Helper()

	model := &fakeModel{polls: make(map[string]int), output: output}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/predictions", model.create)
	mux.HandleFunc("GET /v1/predictions/{id}", model.get)
	mux.HandleFunc("GET /output/{id}", model.download)

	model.server = httptest.NewServer(mux)
	t.Cleanup(model.server.Close)

	return model
}

func (m *fakeModel) create(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		Version string         `json:"version"`
		Input   map[string]any `json:"input"`
	}

	err := json.NewDecoder(request.Body).Decode(&body)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]string{"detail": "bad json"})

		return
	}

	audioURL, _ := body.Input["audio"].(string)

	status, voice, fetchErr := fetchURL(audioURL)
	if fetchErr != nil || status != http.StatusOK {
		writeJSON(writer, http.StatusUnprocessableEntity, map[string]string{"detail": "could not fetch reference audio"})

		return
	}

	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("pred-%d", m.nextID)
	m.inputs = append(m.inputs, body.Input)
	m.fetched = append(m.fetched, voice)
	m.authHeaders = append(m.authHeaders, request.Header.Get("Authorization"))
	createStatus := m.createStatus
	m.mu.Unlock()

	if createStatus != 0 {
		writeJSON(writer, createStatus, map[string]string{"detail": "model is unavailable"})

		return
	}

	writeJSON(writer, http.StatusCreated, map[string]any{"id": id, "status": tts.StatusStarting})
}

func (m *fakeModel) get(writer http.ResponseWriter, request *http.Request) {
	id := request.PathValue("id")

	m.mu.Lock()
	m.polls[id]++
	polls := m.polls[id]
	pending := m.pendingPolls
	failRun := m.failRun
	m.mu.Unlock()

	switch {
	case polls <= pending:
		writeJSON(writer, http.StatusOK, map[string]any{"id": id, "status": tts.StatusProcessing})
	case failRun:
		writeJSON(writer, http.StatusOK, map[string]any{"id": id, "status": tts.StatusFailed, "error": "voice too short"})
	default:
		writeJSON(writer, http.StatusOK, map[string]any{
			"id":     id,
			"status": tts.StatusSucceeded,
			"output": m.server.URL + "/output/" + id + ".wav",
		})
	}
}

func (m *fakeModel) download(writer http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	failing := m.outputFails > 0
	if failing {
		m.outputFails--
	}
	output := m.output
	m.mu.Unlock()

	if failing {
		http.Error(writer, "try again", http.StatusBadGateway)

		return
	}

	writer.Header().Set("Content-Type", "audio/wav")
	_, _ = writer.Write(output)
}

func (m *fakeModel) snapshot() ([]map[string]any, [][]byte, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]map[string]any(nil), m.inputs...),
		append([][]byte(nil), m.fetched...),
		append([]string(nil), m.authHeaders...)
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}

func fetchURL(target string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return 0, nil, err
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)

	return response.StatusCode, body, err
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "tts-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

func newTestManager(t *testing.T) *expose.Manager {
	t.Helper()

	manager := expose.NewManager(
		expose.Options{Host: "127.0.0.1", Port: 0, ShutdownTimeout: 2 * time.Second},
		expose.NewLocalTunnel(""),
		expose.NewFileHandler(),
		newTestLogger(t),
	)
	t.Cleanup(manager.ForceReset)

	return manager
}

func newTestClient(model *fakeModel) *tts.PredictionClient {
	client := tts.NewPredictionClient(model.server.URL, testToken, 5*time.Second)

	fast := backoff.NewExponentialBackOff()
	fast.InitialInterval = time.Millisecond
	fast.MaxInterval = 5 * time.Millisecond
	fast.MaxElapsedTime = time.Second
	client.SetDownloadBackOff(fast)

	return client
}

func newTestCloner(t *testing.T, model *fakeModel, manager *expose.Manager) *tts.VoiceCloner {
	t.Helper()

	cloner, err := tts.NewVoiceCloner(newTestClient(model), manager, tts.ClonerConfig{
		ModelVersion: testVersion,
		PollInterval: 5 * time.Millisecond,
		Timeout:      10 * time.Second,
		Defaults:     core.TTSConfig{Language: "ES", Speed: 1},
	}, newTestLogger(t))
	require.NoError(t, err)

	return cloner
}

func writeVoice(t *testing.T, dir, name string, content []byte) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o750))

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	return path
}
