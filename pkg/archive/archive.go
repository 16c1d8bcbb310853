package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// Sentinel errors for archive operations.
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("archive store unavailable")
)

// Error wraps a failed store operation with its bucket and key.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("archive %s: %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("archive %s: %s: %v", e.Op, e.Bucket, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// putAPI is the subset of *s3.Client the archive uses.
type putAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads retrieved files under <prefix>/<calculation id>/.
type Archiver struct {
	client putAPI
	bucket string
	prefix string
	logger *zap.Logger
}

// New creates an archiver for cfg.Bucket.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &Error{Op: "New", Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newArchiver(client, cfg, logger), nil
}

func newArchiver(client putAPI, cfg Config, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Archive uploads the files below root matching patterns. A pattern naming
// a directory uploads the whole tree; patterns without matches are skipped
// since retrieve lists name optional files.
func (a *Archiver) Archive(ctx context.Context, calcID, root string, patterns []string) error {
	files, err := collect(os.DirFS(root), patterns)
	if err != nil {
		return err
	}
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.upload(ctx, root, calcID, rel); err != nil {
			return err
		}
	}
	a.logger.Debug("archived calculation",
		zap.String("calc_id", calcID),
		zap.String("bucket", a.bucket),
		zap.Int("files", len(files)),
	)
	return nil
}

// Key returns the object key of a retrieved file.
func (a *Archiver) Key(calcID, rel string) string {
	if a.prefix == "" {
		return path.Join(calcID, rel)
	}
	return path.Join(a.prefix, calcID, rel)
}

func (a *Archiver) upload(ctx context.Context, root, calcID, rel string) error {
	key := a.Key(calcID, rel)
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	size := fi.Size()
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: &size,
	})
	if err != nil {
		return a.wrapError("PutObject", key, err)
	}
	return nil
}

// collect expands patterns to the sorted, de-duplicated regular files they
// name inside fsys.
func collect(fsys fs.FS, patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(path.Clean(pattern), "./")
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("retrieve pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			err := fs.WalkDir(fsys, m, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.Type().IsRegular() {
					seen[p] = struct{}{}
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// wrapError maps S3 errors to the archive sentinels.
func (a *Archiver) wrapError(op, key string, err error) error {
	wrapped := &Error{Op: op, Bucket: a.bucket, Key: key, Err: err}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		wrapped.Err = ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			wrapped.Err = ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = ErrUnavailable
		}
	}
	return wrapped
}
