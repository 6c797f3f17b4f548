// Package artifact fetches module binaries from local disk or object storage
// and turns them into compute units.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"faasrt/internal/common/storage"
	"faasrt/internal/runtime/module"
	appErr "faasrt/pkg/errors"
	"faasrt/pkg/utils/logger"

	"github.com/klauspost/compress/zstd"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

const (
	schemeBuiltin = "builtin:"
	schemeFile    = "file://"
	schemeMinIO   = "minio://"

	defaultMaxSize = 64 << 20
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Config configures the loader.
type Config struct {
	// Dir roots relative file sources; when set, file sources may not escape it.
	Dir string `yaml:"dir"`
	// Bucket is used for minio sources that name only a key.
	Bucket string `yaml:"bucket"`
	// MaxSize bounds both the fetched and the decompressed artifact.
	MaxSize int64 `yaml:"maxSize"`
	// CacheDir persists compiled wasm across restarts. Empty keeps it in memory.
	CacheDir    string `yaml:"cacheDir"`
	Interpreter bool   `yaml:"interpreter"`
}

// Uploader is the write side of the artifact store.
type Uploader interface {
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error
}

// Loader resolves module sources. Supported forms:
//
//	builtin:<name>            a native builtin
//	minio://<bucket>/<key>    an object; minio://<key> uses the default bucket
//	file://<path> or <path>   a local file
//
// Artifacts whose name ends in .zst or that start with the zstd magic are
// decompressed before compiling.
type Loader struct {
	cfg      Config
	store    storage.ObjectStorage
	compiled wazero.CompilationCache
}

// NewLoader creates a loader. store may be nil when only local and builtin
// sources are used.
func NewLoader(cfg Config, store storage.ObjectStorage) (*Loader, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	l := &Loader{cfg: cfg, store: store}
	if cfg.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InternalServerError, "open compilation cache %s failed", cfg.CacheDir)
		}
		l.compiled = c
	} else {
		l.compiled = wazero.NewCompilationCache()
	}
	return l, nil
}

// Load fetches spec.Source, verifies digest when given and compiles the unit.
func (l *Loader) Load(ctx context.Context, spec module.Spec, digest string) (module.Unit, error) {
	if name, ok := strings.CutPrefix(spec.Source, schemeBuiltin); ok {
		return module.Builtin(name)
	}
	binary, err := l.Fetch(ctx, spec.Source, digest)
	if err != nil {
		return nil, err
	}
	unit, err := module.CompileWasm(ctx, spec.Name, binary, spec.Limits, module.WasmOptions{
		Cache:       l.compiled,
		Interpreter: l.cfg.Interpreter,
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "module artifact loaded",
		zap.String("module", spec.Name),
		zap.String("source", spec.Source),
		zap.Int("bytes", len(binary)))
	return unit, nil
}

// Fetch reads the artifact named by source and returns it decompressed.
// digest is the hex sha256 of the stored bytes.
func (l *Loader) Fetch(ctx context.Context, source, digest string) ([]byte, error) {
	if source == "" {
		return nil, appErr.ValidationError("source", "required")
	}
	var (
		raw []byte
		err error
	)
	if rest, ok := strings.CutPrefix(source, schemeMinIO); ok {
		raw, err = l.fetchObject(ctx, rest)
	} else {
		raw, err = l.fetchFile(strings.TrimPrefix(source, schemeFile))
	}
	if err != nil {
		return nil, err
	}
	if digest != "" {
		sum := sha256.Sum256(raw)
		if actual := hex.EncodeToString(sum[:]); !strings.EqualFold(actual, digest) {
			return nil, appErr.New(appErr.ArtifactHashMismatch).
				WithMessagef("artifact %s hash mismatch", source).
				WithDetail("expected", digest).
				WithDetail("actual", actual)
		}
	}
	if strings.HasSuffix(source, ".zst") || bytes.HasPrefix(raw, zstdMagic) {
		return l.decompress(source, raw)
	}
	return raw, nil
}

func (l *Loader) fetchObject(ctx context.Context, path string) ([]byte, error) {
	if l.store == nil {
		return nil, appErr.New(appErr.ArtifactFetchFailed).WithMessage("object storage is not configured")
	}
	bucket, key := l.cfg.Bucket, path
	if b, k, ok := strings.Cut(path, "/"); ok && k != "" {
		bucket, key = b, k
	}
	if bucket == "" || key == "" {
		return nil, appErr.ValidationError("source", "bucket and key required")
	}
	reader, err := l.store.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ArtifactFetchFailed, "download %s/%s failed", bucket, key)
	}
	defer reader.Close()
	return l.readLimited(reader, bucket+"/"+key)
}

func (l *Loader) fetchFile(path string) ([]byte, error) {
	if l.cfg.Dir != "" {
		root := filepath.Clean(l.cfg.Dir)
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		path = filepath.Clean(path)
		if !strings.HasPrefix(path, root+string(filepath.Separator)) {
			return nil, appErr.ValidationError("source", "outside the artifact directory")
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ArtifactFetchFailed, "open %s failed", path)
	}
	defer f.Close()
	return l.readLimited(f, path)
}

func (l *Loader) readLimited(r io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, l.cfg.MaxSize+1))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ArtifactFetchFailed, "read %s failed", name)
	}
	if int64(len(data)) > l.cfg.MaxSize {
		return nil, appErr.New(appErr.ArtifactFetchFailed).WithMessagef("artifact %s exceeds %d bytes", name, l.cfg.MaxSize)
	}
	return data, nil
}

func (l *Loader) decompress(name string, raw []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(raw), zstd.WithDecoderMaxMemory(uint64(l.cfg.MaxSize)))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ArtifactFetchFailed, "create zstd reader failed")
	}
	defer dec.Close()
	return l.readLimited(dec, name)
}

// Upload stores data under key in the default bucket and returns the minio
// source and sha256 to register it with.
func (l *Loader) Upload(ctx context.Context, key string, data []byte) (string, string, error) {
	up, ok := l.store.(Uploader)
	if !ok {
		return "", "", appErr.New(appErr.ServiceUnavailable).WithMessage("artifact upload is not configured")
	}
	if l.cfg.Bucket == "" {
		return "", "", appErr.New(appErr.ServiceUnavailable).WithMessage("artifact bucket is not configured")
	}
	key = strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+key)), "/")
	if key == "" {
		return "", "", appErr.ValidationError("key", "required")
	}
	if int64(len(data)) > l.cfg.MaxSize {
		return "", "", appErr.ValidationError("artifact", "too large")
	}
	if err := up.PutObject(ctx, l.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), "application/wasm"); err != nil {
		return "", "", appErr.Wrapf(err, appErr.ArtifactFetchFailed, "upload %s failed", key)
	}
	sum := sha256.Sum256(data)
	return schemeMinIO + l.cfg.Bucket + "/" + key, hex.EncodeToString(sum[:]), nil
}

// Close releases the compilation cache.
func (l *Loader) Close(ctx context.Context) error {
	return l.compiled.Close(ctx)
}
