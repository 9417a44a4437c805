// Package objectstore_test tests the NATS object store implementation.
package objectstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	return natsServer, natsConnection
}

func newTestStore(t *testing.T, bucket string) *objectstore.NatsObjectStore {
	t.Helper()

	_, natsConnection := StartTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, bucket)
	require.NoError(t, err)

	return store
}

func TestNatsObjectStore_UploadDownload(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "test-bucket")
	ctx := context.Background()
	uploadData := []byte("hello world, this is a test")

	require.NoError(t, store.Upload(ctx, "my-test-object", uploadData))

	downloadData, err := store.Download(ctx, "my-test-object")
	require.NoError(t, err)
	require.Equal(t, uploadData, downloadData)
}

func TestNatsObjectStore_BindsExistingBucket(t *testing.T) {
	t.Parallel()

	_, natsConnection := StartTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	first, err := objectstore.New(jetstreamContext, "VOICES")
	require.NoError(t, err)
	require.NoError(t, first.Upload(context.Background(), "voices/narrator.mp3", []byte("id3")))

	second, err := objectstore.New(jetstreamContext, "VOICES")
	require.NoError(t, err)

	data, err := second.Download(context.Background(), "voices/narrator.mp3")
	require.NoError(t, err)
	assert.Equal(t, []byte("id3"), data)
}

func TestNatsObjectStore_MissingObject(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "missing-bucket")

	_, err := store.Download(context.Background(), "nope")
	require.ErrorIs(t, err, core.ErrObjectNotFound)

	err = store.DownloadToFile(context.Background(), "nope", filepath.Join(t.TempDir(), "nope.mp3"))
	require.ErrorIs(t, err, core.ErrObjectNotFound)
}

func TestNatsObjectStore_DownloadToFile(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "voices-bucket")
	ctx := context.Background()
	content := []byte("reference voice bytes")

	require.NoError(t, store.Upload(ctx, "voices/narrator.mp3", content))

	target := filepath.Join(t.TempDir(), "staged", "narrator.mp3")
	require.NoError(t, store.DownloadToFile(ctx, "voices/narrator.mp3", target))

	written, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, written)
}

func TestNatsObjectStore_DownloadToFileLeavesNoPartialFile(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "staging-bucket")
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "voices/narrator.mp3", []byte("reference voice bytes")))

	dir := t.TempDir()

	// A non-empty directory at the target makes the final rename fail.
	target := filepath.Join(dir, "narrator.mp3")
	require.NoError(t, os.MkdirAll(filepath.Join(target, "occupied"), 0o750))

	err := store.DownloadToFile(ctx, "voices/narrator.mp3", target)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "narrator.mp3", entries[0].Name())
	assert.True(t, entries[0].IsDir())

	// A successful download leaves only the target behind.
	other := t.TempDir()
	require.NoError(t, store.DownloadToFile(ctx, "voices/narrator.mp3", filepath.Join(other, "narrator.mp3")))

	entries, err = os.ReadDir(other)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "narrator.mp3", entries[0].Name())
}

func TestNatsObjectStore_List(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "list-bucket")
	ctx := context.Background()

	empty, err := store.List(ctx, "voices/")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.Upload(ctx, "voices/narrator.mp3", []byte("a")))
	require.NoError(t, store.Upload(ctx, "voices/villain.wav", []byte("b")))
	require.NoError(t, store.Upload(ctx, "audio/chunk.wav", []byte("c")))

	names, err := store.List(ctx, "voices/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"voices/narrator.mp3", "voices/villain.wav"}, names)
}
