// Package diskcas implements a local-disk content-addressed store: content
// is sharded by the first bytes of its SHA-256 digest, mirroring the
// two-level fan-out reva's decomposedfs uses for node storage, with an
// in-memory reference count guarding physical deletion.
package diskcas

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/nexusfs/core/pkg/cas"
	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/log"
	"github.com/nexusfs/core/pkg/nxctx"
)

var logger = log.New("diskcas")

func init() {
	cas.Register("disk", New)
}

type config struct {
	Root string `mapstructure:"root"`
}

// Backend stores blobs under Root, sharded two levels deep by hash prefix.
type Backend struct {
	root string

	mu    sync.Mutex
	refs  map[string]int64
}

// New constructs a disk-backed CAS backend from options["root"].
func New(options map[string]interface{}) (cas.Backend, error) {
	c := &config{}
	if err := decodeOptions(options, c); err != nil {
		return nil, err
	}
	if c.Root == "" {
		c.Root = "/var/nexusfs/cas"
	}
	if err := os.MkdirAll(c.Root, 0700); err != nil {
		return nil, errors.Wrap(err, "diskcas: creating root")
	}
	return &Backend{root: c.Root, refs: map[string]int64{}}, nil
}

func decodeOptions(options map[string]interface{}, dst *config) error {
	if options == nil {
		return nil
	}
	if v, ok := options["root"].(string); ok {
		dst.Root = v
	}
	return nil
}

func (b *Backend) shardedPath(hash string) string {
	if len(hash) < 4 {
		return filepath.Join(b.root, hash)
	}
	return filepath.Join(b.root, hash[0:2], hash[2:4], hash)
}

// WriteContent stores content under its SHA-256 digest and bumps its
// reference count.
func (b *Backend) WriteContent(ctx context.Context, opctx nxctx.OpCtx, content []byte) (string, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	p := b.shardedPath(hash)
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return "", errtypes.BackendError{Op: "write_content", Cause: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := os.Stat(p); err != nil {
		if !os.IsNotExist(err) {
			return "", errtypes.BackendError{Op: "write_content", Cause: err}
		}
		if err := os.WriteFile(p, content, 0600); err != nil {
			return "", errtypes.BackendError{Op: "write_content", Cause: err}
		}
	}
	b.refs[hash]++
	logger.Build().Str("hash", hash).Int("refs", int(b.refs[hash])).Msg(ctx, "content written")
	return hash, nil
}

// WriteStream drains r into memory and delegates to WriteContent (s3cas
// buffers the same way); disk shards are sized for the
// metadata/config/small-blob path the kernel's fast paths target.
func (b *Backend) WriteStream(ctx context.Context, opctx nxctx.OpCtx, r io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", errtypes.BackendError{Op: "write_stream", Cause: err}
	}
	return b.WriteContent(ctx, opctx, buf.Bytes())
}

// ReadContent reads the full blob for hash.
func (b *Backend) ReadContent(ctx context.Context, opctx nxctx.OpCtx, hash string) ([]byte, error) {
	data, err := os.ReadFile(b.shardedPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errtypes.NotFound(hash)
		}
		return nil, errtypes.BackendError{Op: "read_content", Cause: err}
	}
	return data, nil
}

// StreamContent opens hash for streamed reading and returns the open file.
// chunkSize is accepted for interface parity with cas.Backend and is not
// used by this backend.
func (b *Backend) StreamContent(ctx context.Context, opctx nxctx.OpCtx, hash string, chunkSize int) (io.ReadCloser, error) {
	f, err := os.Open(b.shardedPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errtypes.NotFound(hash)
		}
		return nil, errtypes.BackendError{Op: "stream_content", Cause: err}
	}
	return f, nil
}

// StreamRange opens hash and seeks to start, returning a reader bounded to
// [start, end).
func (b *Backend) StreamRange(ctx context.Context, opctx nxctx.OpCtx, hash string, start, end int64, chunkSize int) (io.ReadCloser, error) {
	f, err := os.Open(b.shardedPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errtypes.NotFound(hash)
		}
		return nil, errtypes.BackendError{Op: "stream_range", Cause: err}
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, errtypes.BackendError{Op: "stream_range", Cause: err}
	}
	return &limitedReadCloser{r: io.LimitReader(f, end-start), c: f}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }

// GetContentSize stat()s the shard file for hash.
func (b *Backend) GetContentSize(ctx context.Context, opctx nxctx.OpCtx, hash string) (int64, error) {
	fi, err := os.Stat(b.shardedPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errtypes.NotFound(hash)
		}
		return 0, errtypes.BackendError{Op: "get_content_size", Cause: err}
	}
	return fi.Size(), nil
}

// DeleteContent decrements hash's reference count, removing the blob from
// disk only once the count reaches zero.
func (b *Backend) DeleteContent(ctx context.Context, opctx nxctx.OpCtx, hash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs[hash] > 0 {
		b.refs[hash]--
	}
	if b.refs[hash] > 0 {
		return nil
	}
	delete(b.refs, hash)

	p := b.shardedPath(hash)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errtypes.BackendError{Op: "delete_content", Cause: err}
	}
	logger.Build().Str("hash", hash).Msg(ctx, "content deleted")
	return nil
}

// Capabilities reports the fast paths this backend supports: none of the
// optional ones, it is the plain baseline backend.
func (b *Backend) Capabilities() cas.Capabilities {
	return cas.Capabilities{}
}
