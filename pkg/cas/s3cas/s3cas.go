// Package s3cas implements an S3-backed content-addressed store, grounded on
// the objectfs-style client construction: aws-sdk-go-v2's config loader
// picks up ambient credentials, and the bucket is addressed by SHA-256 key
// the same way diskcas shards locally.
package s3cas

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	pkgerrors "github.com/pkg/errors"

	"github.com/nexusfs/core/pkg/cas"
	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/log"
	"github.com/nexusfs/core/pkg/nxctx"
)

var logger = log.New("s3cas")

func init() {
	cas.Register("s3", New)
}

type driverConfig struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Prefix         string `mapstructure:"prefix"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// Backend stores blobs as S3 objects keyed by their SHA-256 digest.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// New constructs an S3-backed CAS backend. Credentials and region are
// resolved from the ambient AWS environment (env vars, shared config,
// instance profile) via config.LoadDefaultConfig, same as every other
// driver in this module that talks to a managed service.
func New(options map[string]interface{}) (cas.Backend, error) {
	c := &driverConfig{}
	decode(options, c)
	if c.Bucket == "" {
		return nil, errtypes.ValidationError("s3cas: bucket is required")
	}

	ctx := context.Background()
	opts := []func(*awsconfig.LoadOptions) error{}
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "s3cas: loading AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
		if c.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Backend{client: client, bucket: c.Bucket, prefix: c.Prefix}, nil
}

func decode(options map[string]interface{}, dst *driverConfig) {
	if options == nil {
		return
	}
	if v, ok := options["bucket"].(string); ok {
		dst.Bucket = v
	}
	if v, ok := options["region"].(string); ok {
		dst.Region = v
	}
	if v, ok := options["endpoint"].(string); ok {
		dst.Endpoint = v
	}
	if v, ok := options["prefix"].(string); ok {
		dst.Prefix = v
	}
	if v, ok := options["force_path_style"].(bool); ok {
		dst.ForcePathStyle = v
	}
}

func (b *Backend) key(hash string) string {
	if b.prefix == "" {
		return hash
	}
	return b.prefix + "/" + hash
}

// WriteContent uploads content under its SHA-256 digest. S3 is content
// already-exists idempotent by key, so no explicit existence check is made;
// the PutObject simply overwrites with identical bytes.
func (b *Backend) WriteContent(ctx context.Context, opctx nxctx.OpCtx, content []byte) (string, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(hash)),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return "", errtypes.BackendError{Op: "write_content", Cause: err}
	}
	logger.Build().Str("hash", hash).Str("bucket", b.bucket).Msg(ctx, "content written")
	return hash, nil
}

// WriteStream drains r and delegates to WriteContent. A true multipart
// streaming upload belongs behind cas.Backend once the kernel needs uploads
// larger than fit comfortably in memory; out of scope for now.
func (b *Backend) WriteStream(ctx context.Context, opctx nxctx.OpCtx, r io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", errtypes.BackendError{Op: "write_stream", Cause: err}
	}
	return b.WriteContent(ctx, opctx, buf.Bytes())
}

// ReadContent downloads the full object for hash.
func (b *Backend) ReadContent(ctx context.Context, opctx nxctx.OpCtx, hash string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errtypes.NotFound(hash)
		}
		return nil, errtypes.BackendError{Op: "read_content", Cause: err}
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// StreamContent returns the object body as a stream.
func (b *Backend) StreamContent(ctx context.Context, opctx nxctx.OpCtx, hash string, chunkSize int) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errtypes.NotFound(hash)
		}
		return nil, errtypes.BackendError{Op: "stream_content", Cause: err}
	}
	return out.Body, nil
}

// StreamRange issues a ranged GetObject for [start, end).
func (b *Backend) StreamRange(ctx context.Context, opctx nxctx.OpCtx, hash string, start, end int64, chunkSize int) (io.ReadCloser, error) {
	rangeHeader := httpRange(start, end)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(hash)),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errtypes.NotFound(hash)
		}
		return nil, errtypes.BackendError{Op: "stream_range", Cause: err}
	}
	return out.Body, nil
}

func httpRange(start, end int64) string {
	return "bytes=" + itoa(start) + "-" + itoa(end-1)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// GetContentSize issues a HeadObject for hash.
func (b *Backend) GetContentSize(ctx context.Context, opctx nxctx.OpCtx, hash string) (int64, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, errtypes.NotFound(hash)
		}
		return 0, errtypes.BackendError{Op: "get_content_size", Cause: err}
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

// DeleteContent removes the object for hash. S3 CAS has no local reference
// count; object lifecycle (garbage collecting orphaned hashes) is handled by
// the metadata store's reference accounting, not this backend.
func (b *Backend) DeleteContent(ctx context.Context, opctx nxctx.OpCtx, hash string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(hash)),
	})
	if err != nil && !isNotFound(err) {
		return errtypes.BackendError{Op: "delete_content", Cause: err}
	}
	return nil
}

// Capabilities reports this backend's optional fast paths: none today.
func (b *Backend) Capabilities() cas.Capabilities {
	return cas.Capabilities{}
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
