// Package objectstore provides a NATS-based implementation of the ObjectStore interface.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/narrator-service/internal/core"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const stagingDirPermissions = 0o750

// NatsObjectStore implements the core.ObjectStore interface using NATS JetStream.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket if needed and binds to it.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Storage for the %s bucket.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket: bucketName,
		store:  store,
	}, nil
}

// Download retrieves an object from the NATS object store.
func (n *NatsObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key)
	if err != nil {
		return nil, n.wrapGetError(key, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// DownloadToFile streams an object into path, creating parent directories.
// The object is written to a temporary file next to path and renamed into
// place, so path never holds a partial object.
func (n *NatsObjectStore) DownloadToFile(_ context.Context, key, path string) error {
	_, err := n.store.GetInfo(key)
	if err != nil {
		return n.wrapGetError(key, err)
	}

	dir := filepath.Dir(path)

	err = os.MkdirAll(dir, stagingDirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create directory for '%s': %w", path, err)
	}

	staging, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create staging file for '%s': %w", path, err)
	}

	stagingPath := staging.Name()
	_ = staging.Close()

	err = n.store.GetFile(key, stagingPath)
	if err == nil {
		err = os.Rename(stagingPath, path)
	}

	if err != nil {
		_ = os.Remove(stagingPath)

		return fmt.Errorf("failed to write object '%s' to '%s': %w", key, path, err)
	}

	return nil
}

// Upload saves an object to the NATS object store.
func (n *NatsObjectStore) Upload(_ context.Context, key string, data []byte) error {
	_, err := n.store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// List returns the names of the objects whose names start with prefix.
func (n *NatsObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	infos, err := n.store.List()
	if err != nil {
		if errors.Is(err, nats.ErrNoObjectsFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list bucket '%s': %w", n.bucket, err)
	}

	names := make([]string, 0, len(infos))

	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, prefix) {
			continue
		}

		names = append(names, info.Name)
	}

	return names, nil
}

func (n *NatsObjectStore) wrapGetError(key string, err error) error {
	if errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("%w: '%s' in bucket '%s'", core.ErrObjectNotFound, key, n.bucket)
	}

	return fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
}
