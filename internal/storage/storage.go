// Package storage presigns object URLs on an S3-compatible bucket and caches
// them in a process-local LRU backed by the shared Redis cache.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru"

	"github.com/tnsr-ai/gpufleet/internal/cache"
	"github.com/tnsr-ai/gpufleet/internal/config"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidKey     = errors.New("invalid object key")
)

// cacheSlack is subtracted from the URL expiry so a cached URL is never
// handed out in its last minute of validity.
const cacheSlack = time.Minute

const defaultL1Entries = 4096

// Presigner is the subset of *s3.PresignClient used here.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// ObjectAPI is the subset of *s3.Client used here.
type ObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Object describes a stored object.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// HumanSize renders Size as "1.5 GiB".
func (o Object) HumanSize() string {
	return HumanSize(o.Size)
}

// HumanSize renders a byte count with binary units.
func HumanSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

type l1Entry struct {
	url     string
	expires time.Time
}

// Bucket presigns and inspects objects in one bucket.
type Bucket struct {
	name    string
	expiry  time.Duration
	presign Presigner
	objects ObjectAPI
	l1      *lru.TwoQueueCache
	cache   cache.Cache
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a Bucket from configuration. An empty Endpoint uses the AWS
// default resolver; any other endpoint is addressed path-style.
func New(ctx context.Context, cfg config.StorageConfig, c cache.Cache, logger *slog.Logger) (*Bucket, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading storage config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClients(cfg.Bucket, cfg.URLExpiry, s3.NewPresignClient(client), client, c, logger)
}

// NewWithClients builds a Bucket on explicit clients.
func NewWithClients(name string, expiry time.Duration, presign Presigner, objects ObjectAPI, c cache.Cache, logger *slog.Logger) (*Bucket, error) {
	if expiry <= cacheSlack {
		return nil, fmt.Errorf("url expiry %s must exceed %s", expiry, cacheSlack)
	}
	l1, err := lru.New2Q(defaultL1Entries)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bucket{
		name:    name,
		expiry:  expiry,
		presign: presign,
		objects: objects,
		l1:      l1,
		cache:   c,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// --- Keys ---

// OutputKey is where a worker uploads an artifact for a job.
func OutputKey(userID, jobID int64, filename string) (string, error) {
	name := path.Base(path.Clean("/" + filename))
	if name == "/" || name == "." || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, filename)
	}
	return OutputPrefix(userID, jobID) + name, nil
}

// OutputPrefix is the key prefix every upload of a job lives under.
func OutputPrefix(userID, jobID int64) string {
	return fmt.Sprintf("users/%d/jobs/%d/", userID, jobID)
}

// --- Presigning ---

// DownloadURL returns a presigned GET URL for key. URLs are reused from the
// local LRU, then from the shared cache, until one minute before they expire.
func (b *Bucket) DownloadURL(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	now := b.now()
	if v, ok := b.l1.Get(key); ok {
		e := v.(l1Entry)
		if now.Before(e.expires) {
			return e.url, nil
		}
		b.l1.Remove(key)
	}

	if b.cache != nil {
		data, found, err := b.cache.Get(ctx, cache.PresignKey(key))
		if err != nil {
			b.logger.Warn("reading cached url", "key", key, "error", err)
		}
		if found && len(data) > 0 {
			url := string(data)
			// The remaining Redis TTL is unknown here; keep the L1 copy briefly.
			b.l1.Add(key, l1Entry{url: url, expires: now.Add(cacheSlack)})
			return url, nil
		}
	}

	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(b.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning download: %w", err)
	}

	ttl := b.expiry - cacheSlack
	b.l1.Add(key, l1Entry{url: req.URL, expires: now.Add(ttl)})
	if b.cache != nil {
		if err := b.cache.Set(ctx, cache.PresignKey(key), []byte(req.URL), ttl); err != nil {
			b.logger.Warn("caching url", "key", key, "error", err)
		}
	}
	return req.URL, nil
}

// UploadURL returns a presigned PUT URL for key. A non-empty checksum is the
// base64 MD5 the upload must carry. Upload URLs are never cached.
func (b *Bucket) UploadURL(ctx context.Context, key, checksum string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	}
	if checksum != "" {
		in.ContentMD5 = aws.String(checksum)
	}
	req, err := b.presign.PresignPutObject(ctx, in, s3.WithPresignExpires(b.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning upload: %w", err)
	}
	b.forget(ctx, key)
	return req.URL, nil
}

// --- Metadata ---

// Stat returns the metadata of key, cached under "<key>_object" for the URL
// lifetime.
func (b *Bucket) Stat(ctx context.Context, key string) (Object, error) {
	if key == "" {
		return Object{}, ErrInvalidKey
	}
	if b.cache != nil {
		data, found, err := b.cache.Get(ctx, cache.ObjectMetaKey(key))
		if err == nil && found {
			var obj Object
			if err := json.Unmarshal(data, &obj); err == nil {
				return obj, nil
			}
		}
	}

	out, err := b.objects.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return Object{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return Object{}, fmt.Errorf("head object: %w", err)
	}

	obj := Object{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
	}
	if b.cache != nil {
		if data, err := json.Marshal(obj); err == nil {
			if err := b.cache.Set(ctx, cache.ObjectMetaKey(key), data, b.expiry-cacheSlack); err != nil {
				b.logger.Warn("caching object metadata", "key", key, "error", err)
			}
		}
	}
	return obj, nil
}

// forget drops cached state for a key that is about to be overwritten.
func (b *Bucket) forget(ctx context.Context, key string) {
	b.l1.Remove(key)
	if b.cache == nil {
		return
	}
	for _, k := range []string{cache.PresignKey(key), cache.ObjectMetaKey(key)} {
		if err := b.cache.Delete(ctx, k); err != nil {
			b.logger.Warn("dropping cached object", "key", k, "error", err)
		}
	}
}
