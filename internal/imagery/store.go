package imagery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"regexp"

	_ "image/jpeg"
	_ "image/png"
)

// ErrImageNotFound is returned when the store has no object for the ID.
var ErrImageNotFound = errors.New("image not found")

// Store is the photo source consumed by the pipeline. Implementations must
// be idempotent: repeated Get calls for the same ID return the same bytes.
type Store interface {
	// Get decodes and returns the photo with the given content ID.
	Get(ctx context.Context, imageID string) (image.Image, error)
}

var imageIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FileStore is a content-addressed Store over a local directory. Objects are
// named by the lowercase hex SHA-256 of their bytes, sharded by the first
// two characters the way upload services usually lay blobs out.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("image store root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("image store root %s is not a directory", dir)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) path(imageID string) string {
	return filepath.Join(s.root, imageID[:2], imageID)
}

// Get decodes the photo with the given content ID.
func (s *FileStore) Get(ctx context.Context, imageID string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !imageIDPattern.MatchString(imageID) {
		return nil, fmt.Errorf("malformed image ID %q", imageID)
	}
	f, err := os.Open(s.path(imageID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
		}
		return nil, fmt.Errorf("open image %s: %w", imageID, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", imageID, err)
	}
	return img, nil
}

// Put writes the object and returns its content ID. Used by intake tooling
// and tests; the pipeline itself only reads.
func (s *FileStore) Put(ctx context.Context, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read image bytes: %w", err)
	}
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	dir := filepath.Join(s.root, id[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}
	path := s.path(id)
	if _, err := os.Stat(path); err == nil {
		// Content-addressed: object already present.
		return id, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write image %s: %w", id, err)
	}
	return id, nil
}

// MemStore is an in-memory Store keyed by arbitrary IDs, for tests.
type MemStore struct {
	Images map[string]image.Image
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{Images: make(map[string]image.Image)}
}

// Get returns the stored image or ErrImageNotFound.
func (s *MemStore) Get(ctx context.Context, imageID string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, ok := s.Images[imageID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}
	return img, nil
}
