package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"faasrt/internal/common/storage"
	"faasrt/internal/runtime/module"
	appErr "faasrt/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

// argcWasm exports memory and main(argc, argv) returning argc.
var argcWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x11, 0x02,
	0x04, 'm', 'a', 'i', 'n', 0x00, 0x00,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x20, 0x00, 0x0b,
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func compress(t *testing.T, b []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(b, nil)
}

func newLoader(t *testing.T, cfg Config, store storage.ObjectStorage) *Loader {
	t.Helper()
	l, err := NewLoader(cfg, store)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	t.Cleanup(func() { l.Close(context.Background()) })
	return l
}

type memStore struct {
	objects map[string][]byte
	getErr  error
}

func (s *memStore) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	b, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *memStore) StatObject(_ context.Context, bucket, key string) (storage.ObjectStat, error) {
	return storage.ObjectStat{SizeBytes: int64(len(s.objects[bucket+"/"+key]))}, nil
}

func (s *memStore) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, _ string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(b)) != size {
		return errors.New("short upload")
	}
	s.objects[bucket+"/"+key] = b
	return nil
}

func TestLoadLocalFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "argc.wasm"), argcWasm, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	l := newLoader(t, Config{Dir: dir}, nil)
	ctx := context.Background()

	unit, err := l.Load(ctx, module.Spec{Name: "argc", Source: "argc.wasm"}, digest(argcWasm))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer unit.Close(ctx)
	if unit.Kind() != "wasm" || !unit.HasMain() {
		t.Fatalf("unexpected unit %s", unit.Kind())
	}

	if _, err := l.Load(ctx, module.Spec{Name: "argc", Source: "argc.wasm"}, digest([]byte("other"))); appErr.GetCode(err) != appErr.ArtifactHashMismatch {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
	if _, err := l.Fetch(ctx, "../etc/passwd", ""); appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("expected escape to be refused, got %v", err)
	}
	if _, err := l.Fetch(ctx, "file://missing.wasm", ""); appErr.GetCode(err) != appErr.ArtifactFetchFailed {
		t.Fatalf("expected fetch failure, got %v", err)
	}
}

func TestFetchCompressed(t *testing.T) {
	dir := t.TempDir()
	packed := compress(t, argcWasm)
	if err := os.WriteFile(filepath.Join(dir, "argc.wasm.zst"), packed, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	l := newLoader(t, Config{Dir: dir}, nil)
	got, err := l.Fetch(context.Background(), "argc.wasm.zst", digest(packed))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(got, argcWasm) {
		t.Fatalf("decompressed artifact differs")
	}
}

func TestFetchSizeLimit(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "big"), make([]byte, 128), 0o644)
	l := newLoader(t, Config{Dir: dir, MaxSize: 64}, nil)
	if _, err := l.Fetch(context.Background(), "big", ""); appErr.GetCode(err) != appErr.ArtifactFetchFailed {
		t.Fatalf("expected size limit error, got %v", err)
	}
}

func TestObjectStorageRoundTrip(t *testing.T) {
	store := &memStore{objects: make(map[string][]byte)}
	l := newLoader(t, Config{Bucket: "modules"}, store)
	ctx := context.Background()

	source, sum, err := l.Upload(ctx, "team/argc.wasm", argcWasm)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if source != "minio://modules/team/argc.wasm" || sum != digest(argcWasm) {
		t.Fatalf("unexpected upload result %s %s", source, sum)
	}
	unit, err := l.Load(ctx, module.Spec{Name: "argc", Source: source}, sum)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	unit.Close(ctx)

	if _, err := l.Fetch(ctx, "minio://argc.wasm", ""); appErr.GetCode(err) != appErr.ArtifactFetchFailed {
		t.Fatalf("expected missing object error, got %v", err)
	}
	if _, err := newLoader(t, Config{}, nil).Fetch(ctx, source, ""); appErr.GetCode(err) != appErr.ArtifactFetchFailed {
		t.Fatalf("expected unconfigured storage error, got %v", err)
	}
	if _, _, err := newLoader(t, Config{}, store).Upload(ctx, "x", argcWasm); appErr.GetCode(err) != appErr.ServiceUnavailable {
		t.Fatalf("expected missing bucket error, got %v", err)
	}
}

func TestLoadBuiltin(t *testing.T) {
	l := newLoader(t, Config{}, nil)
	unit, err := l.Load(context.Background(), module.Spec{Name: "e", Source: "builtin:echo"}, "")
	if err != nil || unit.Kind() != "native" {
		t.Fatalf("builtin: %v", err)
	}
	if _, err := l.Load(context.Background(), module.Spec{Name: "e", Source: "builtin:nope"}, ""); err == nil {
		t.Fatalf("unknown builtin should fail")
	}
}
