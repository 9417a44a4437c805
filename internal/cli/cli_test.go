// Package cli_test runs the commands against in-process collaborators.
package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/cli"
	"github.com/book-expert/narrator-service/internal/config"
	"github.com/book-expert/narrator-service/internal/expose"
	"github.com/book-expert/narrator-service/internal/objectstore"
	"github.com/book-expert/narrator-service/internal/tts/audio"
	"github.com/gopxl/beep/v2"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clonedVoice answers every prediction immediately, after reading the
// reference voice from the URL it was given.
type clonedVoice struct {
	server *httptest.Server
	output []byte

	mu      sync.Mutex
	fetched [][]byte
}

func newClonedVoice(t *testing.T, output []byte) *clonedVoice {
	t.Helper()

	model := &clonedVoice{output: output}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/predictions", model.create)
	mux.HandleFunc("GET /output.wav", func(writer http.ResponseWriter, _ *http.Request) {
		_, _ = writer.Write(model.output)
	})

	model.server = httptest.NewServer(mux)
	t.Cleanup(model.server.Close)

	return model
}

func (c *clonedVoice) create(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		Input map[string]any `json:"input"`
	}

	err := json.NewDecoder(request.Body).Decode(&body)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)

		return
	}

	audioURL, _ := body.Input["audio"].(string)

	fetch, err := http.NewRequestWithContext(request.Context(), http.MethodGet, audioURL, nil)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusUnprocessableEntity)

		return
	}

	resp, err := http.DefaultClient.Do(fetch)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusUnprocessableEntity)

		return
	}
	defer resp.Body.Close()

	voice, _ := io.ReadAll(resp.Body)

	c.mu.Lock()
	c.fetched = append(c.fetched, voice)
	c.mu.Unlock()

	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(writer).Encode(map[string]any{
		"id":     "p1",
		"status": "succeeded",
		"output": c.server.URL + "/output.wav",
	})
}

func (c *clonedVoice) voices() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([][]byte(nil), c.fetched...)
}

func testConfig(t *testing.T, apiURL string) *config.Config {
	t.Helper()

	ephemeral := 0

	return &config.Config{
		NATS: config.NATSConfig{VoiceKeyPrefix: "voices/"},
		Exposure: config.ExposureConfig{
			Host:                   "127.0.0.1",
			Port:                   &ephemeral,
			Tunnel:                 config.TunnelLocal,
			ShutdownTimeoutSeconds: 1,
		},
		Synthesis: config.SynthesisConfig{
			APIURL:             apiURL,
			ModelVersion:       "test-version",
			Language:           "ES",
			Speed:              1,
			TimeoutSeconds:     10,
			PollIntervalMillis: 5,
			Workers:            2,
			APIToken:           "r8_test_token",
		},
		Paths: config.PathsConfig{
			BaseLogsDir: t.TempDir(),
			VoicesDir:   t.TempDir(),
			OutputDir:   t.TempDir(),
		},
	}
}

func loaderFor(t *testing.T, cfg *config.Config) (cli.Loader, **cli.Environment) {
	t.Helper()

	var loaded *cli.Environment

	return func(_ context.Context) (*cli.Environment, error) {
		log, err := logger.New(cfg.Paths.BaseLogsDir, "cli-test.log")
		if err != nil {
			return nil, err
		}

		loaded, err = cli.NewEnvironment(cfg, log)

		return loaded, err
	}, &loaded
}

func run(t *testing.T, load cli.Loader, args ...string) (string, error) {
	t.Helper()

	var stdout bytes.Buffer

	rootCmd := cli.NewRootCommand(load)
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(context.Background())

	return stdout.String(), err
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func wav(t *testing.T, samples ...float64) []byte {
	t.Helper()

	frames := make([][2]float64, len(samples))
	for index, sample := range samples {
		frames[index] = [2]float64{sample, sample}
	}

	format := beep.Format{SampleRate: 8000, NumChannels: 1, Precision: 2}

	data, err := audio.NewClip(format, frames).Encode()
	require.NoError(t, err)

	return data
}

func TestVoicesCommand(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "")
	writeFile(t, cfg.Paths.VoicesDir, "villain.wav", []byte("RIFF"))
	writeFile(t, cfg.Paths.VoicesDir, "narrator.mp3", []byte("ID3"))

	load, _ := loaderFor(t, cfg)

	out, err := run(t, load, "voices")
	require.NoError(t, err)
	assert.Equal(t, "narrator.mp3\nvillain.wav\n", out)

	_, err = run(t, load, "voices", "--remote")
	require.ErrorIs(t, err, cli.ErrNATSNotConfigured)
}

func TestVoicesCommand_Remote(t *testing.T) {
	t.Parallel()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	server := test.RunServer(&opts)
	t.Cleanup(server.Shutdown)

	natsConnection, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "voices")
	require.NoError(t, err)
	require.NoError(t, store.Upload(context.Background(), "voices/dragon.wav", []byte("RIFF dragon")))

	cfg := testConfig(t, "")
	cfg.NATS.URL = server.ClientURL()
	cfg.NATS.VoiceObjectStoreBucket = "voices"

	load, _ := loaderFor(t, cfg)

	out, err := run(t, load, "voices", "--remote")
	require.NoError(t, err)
	assert.Equal(t, "dragon.wav (remote)\n", out)
}

func TestExposeCommand(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "")
	path := writeFile(t, t.TempDir(), "hello.txt", []byte("hola"))

	load, loaded := loaderFor(t, cfg)

	out, err := run(t, load, "expose", path, "--for", "20ms")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "http://127.0.0.1:"), out)
	assert.True(t, strings.HasSuffix(out, "/hello.txt\n"), out)
	assert.Equal(t, expose.StateIdle, (*loaded).Manager.State())

	_, err = run(t, load, "expose", filepath.Join(t.TempDir(), "missing.txt"), "--for", "1ms")
	require.ErrorIs(t, err, expose.ErrNotFound)
}

func TestSynthesizeCommand(t *testing.T) {
	t.Parallel()

	model := newClonedVoice(t, []byte("RIFF narration"))
	cfg := testConfig(t, model.server.URL)
	writeFile(t, cfg.Paths.VoicesDir, "narrator.mp3", []byte("ID3 narrator"))

	load, loaded := loaderFor(t, cfg)
	output := filepath.Join(t.TempDir(), "nested", "out.wav")

	out, err := run(t, load, "synthesize", "--voice", "narrator", "--text", "Había una vez", "-o", output)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, output), out)

	written, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF narration"), written)
	assert.Equal(t, [][]byte{[]byte("ID3 narrator")}, model.voices())
	assert.Equal(t, expose.StateIdle, (*loaded).Manager.State())
}

func TestSynthesizeCommand_Validation(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	load, _ := loaderFor(t, cfg)

	_, err := run(t, load, "synthesize", "--voice", "narrator")
	require.ErrorIs(t, err, cli.ErrTextSource)

	_, err = run(t, load, "synthesize", "--voice", "narrator", "--text", "a", "--text-file", "b.txt")
	require.ErrorIs(t, err, cli.ErrTextSource)

	_, err = run(t, load, "synthesize", "--text", "a")
	require.ErrorIs(t, err, cli.ErrVoiceFlag)

	noToken := testConfig(t, "http://127.0.0.1:1")
	noToken.Synthesis.APIToken = ""
	noTokenLoad, _ := loaderFor(t, noToken)

	_, err = run(t, noTokenLoad, "synthesize", "--voice", "narrator", "--text", "a")
	require.ErrorIs(t, err, cli.ErrAPITokenMissing)
}

func TestCastCommand(t *testing.T) {
	t.Parallel()

	model := newClonedVoice(t, wav(t, 0.5, -0.25))
	cfg := testConfig(t, model.server.URL)
	writeFile(t, cfg.Paths.VoicesDir, "narrator.mp3", []byte("ID3 narrator"))
	writeFile(t, cfg.Paths.VoicesDir, "dragon.wav", []byte("RIFF dragon"))

	scriptPath := writeFile(t, t.TempDir(), "story.json", []byte(`{
		"title": "El dragón",
		"narrator": "narrator",
		"voices": {"Dragón": "dragon"},
		"lines": [
			{"character": "", "text": "Había una vez un dragón."},
			{"character": "Dragón", "text": "¡Soy el rey!"}
		]
	}`))

	load, _ := loaderFor(t, cfg)

	out, err := run(t, load, "cast", scriptPath, "--story", "story.wav", "--silence", "0s")
	require.NoError(t, err)

	storyPath := filepath.Join(cfg.Paths.OutputDir, "El_dragón", "story.wav")
	assert.Equal(t, storyPath+"\n", out)

	merged, err := os.ReadFile(storyPath)
	require.NoError(t, err)

	clip, err := audio.Decode(merged)
	require.NoError(t, err)
	assert.Equal(t, 4, clip.Len())

	assert.ElementsMatch(t, [][]byte{[]byte("ID3 narrator"), []byte("RIFF dragon")}, model.voices())
}

func TestServeCommand_RequiresNATS(t *testing.T) {
	t.Parallel()

	load, _ := loaderFor(t, testConfig(t, ""))

	_, err := run(t, load, "serve")
	require.ErrorIs(t, err, cli.ErrNATSNotConfigured)
}
