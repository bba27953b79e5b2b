// Package s3 stores output units as S3 objects. Closed units are uploaded
// under a staging prefix that readers ignore, and finalize copies them to
// their final key.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/hugolhafner/go-filesink/logger"
	"github.com/hugolhafner/go-filesink/storage"
	"github.com/hugolhafner/go-filesink/unit"
)

var _ storage.Store = (*Store)(nil)
var _ storage.Aborter = (*Store)(nil)

// API is the subset of the S3 client used by Store. *s3.Client satisfies it.
type API interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *awss3.CopyObjectInput, opts ...func(*awss3.Options)) (*awss3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *awss3.DeleteObjectInput, opts ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *awss3.HeadObjectInput, opts ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
}

var _ API = (*awss3.Client)(nil)

const stagingDir = "_staging"

type Config struct {
	Prefix      string
	PartPrefix  string
	PartSuffix  string
	ContentType string
	Logger      logger.Logger
}

type Option func(*Config)

// WithPrefix places every object below prefix inside the bucket.
func WithPrefix(p string) Option {
	return func(c *Config) {
		c.Prefix = strings.Trim(p, "/")
	}
}

func WithPartSuffix(s string) Option {
	return func(c *Config) {
		c.PartSuffix = s
	}
}

func WithContentType(ct string) Option {
	return func(c *Config) {
		c.ContentType = ct
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// Store buffers open units in memory. Handles are object keys relative to
// the prefix and stay valid across restarts.
type Store struct {
	client API
	bucket string
	config Config
	logger logger.Logger

	mu      sync.Mutex
	buffers map[unit.Handle]*bytes.Buffer
}

func New(client API, bucket string, opts ...Option) *Store {
	cfg := Config{
		PartPrefix:  "part",
		ContentType: "application/octet-stream",
		Logger:      logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Store{
		client:  client,
		bucket:  bucket,
		config:  cfg,
		logger:  cfg.Logger.With("component", "s3-store", "bucket", bucket),
		buffers: make(map[unit.Handle]*bytes.Buffer),
	}
}

func (s *Store) OpenUnit(_ context.Context, partition string) (unit.Handle, error) {
	if partition == "" || strings.HasPrefix(partition, "/") || strings.HasPrefix(partition, stagingDir) {
		return "", fmt.Errorf("invalid partition key %q", partition)
	}

	h := unit.Handle(fmt.Sprintf("%s/%s-%s%s", partition, s.config.PartPrefix, uuid.NewString(), s.config.PartSuffix))

	s.mu.Lock()
	s.buffers[h] = &bytes.Buffer{}
	s.mu.Unlock()
	return h, nil
}

func (s *Store) Write(_ context.Context, h unit.Handle, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[h]
	if !ok {
		return storage.ErrUnknownHandle
	}
	buf.Write(data)
	return nil
}

// Close uploads the buffered unit to its staging key.
func (s *Store) Close(ctx context.Context, h unit.Handle) error {
	s.mu.Lock()
	buf, ok := s.buffers[h]
	s.mu.Unlock()
	if !ok {
		return storage.ErrUnknownHandle
	}

	_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.stagingKey(h)),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(s.config.ContentType),
	})
	if err != nil {
		return fmt.Errorf("upload staging object for %s: %w", h, err)
	}

	s.mu.Lock()
	delete(s.buffers, h)
	s.mu.Unlock()
	return nil
}

// Finalize copies the staging object to the final key and removes the
// staging copy. When the staging object is gone but the final object exists
// the unit was finalized before and nothing is done.
func (s *Store) Finalize(ctx context.Context, h unit.Handle) error {
	staging, final := s.stagingKey(h), s.finalKey(h)

	_, err := s.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(copySource(s.bucket, staging)),
		Key:        aws.String(final),
	})
	if err != nil {
		exists, headErr := s.exists(ctx, final)
		if headErr != nil {
			return fmt.Errorf("copy %s: %w", h, errors.Join(err, headErr))
		}
		if exists {
			s.logger.Debug("Unit already finalized", "handle", h)
			return nil
		}

		stagingExists, headErr := s.exists(ctx, staging)
		if headErr == nil && !stagingExists {
			return fmt.Errorf("finalize %s: %w", h, storage.ErrNotFound)
		}
		return fmt.Errorf("copy %s: %w", h, err)
	}

	if _, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(staging),
	}); err != nil {
		s.logger.Warn("Failed to delete staging object", "handle", h, "key", staging, "error", err)
	}

	s.logger.Debug("Unit finalized", "handle", h, "key", final)
	return nil
}

// Abort drops the buffer of an open unit. A closed unit already has a
// staging object, which is deleted.
func (s *Store) Abort(ctx context.Context, h unit.Handle) error {
	s.mu.Lock()
	_, open := s.buffers[h]
	delete(s.buffers, h)
	s.mu.Unlock()
	if open {
		return nil
	}

	if _, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.stagingKey(h)),
	}); err != nil {
		return fmt.Errorf("delete staging object for %s: %w", h, err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, err
}

func (s *Store) finalKey(h unit.Handle) string {
	return path.Join(s.config.Prefix, string(h))
}

func (s *Store) stagingKey(h unit.Handle) string {
	return path.Join(s.config.Prefix, stagingDir, string(h))
}

func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segments, "/")
}
