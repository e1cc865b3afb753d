package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"threads-scheduler/internal/config"
	"threads-scheduler/internal/models"
	"threads-scheduler/internal/telemetry"
)

// ErrTooLarge is returned when an upload exceeds the configured byte limit.
var ErrTooLarge = errors.New("media too large")

type objectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Uploader stores post attachments and hands back the public URL the Threads
// API downloads them from. Images are re-encoded through imaging so malformed
// files are rejected before they ever reach a container request; video bytes
// pass through untouched.
type Uploader struct {
	cfg   config.Config
	store objectStore
}

// Upload result: the URL to put on the queue entry plus the detected media type.
type Result struct {
	URL       string
	MediaType string
}

// NewUploader constructs the uploader, backed by S3 when MEDIA_S3_BUCKET is
// set and the local filesystem otherwise.
func NewUploader(ctx context.Context, cfg config.Config) (*Uploader, error) {
	var store objectStore
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = &s3Store{client: client, bucket: cfg.MediaS3Bucket, baseURL: cfg.MediaBaseURL}
	} else {
		baseDir := cfg.MediaLocalDir
		if baseDir == "" {
			baseDir = "./media"
		}
		store = &localStore{baseDir: baseDir, baseURL: cfg.MediaBaseURL}
	}
	return &Uploader{cfg: cfg, store: store}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Upload reads one attachment, validates it, and stores it under a fresh key.
func (u *Uploader) Upload(ctx context.Context, filename string, r io.Reader) (Result, error) {
	limit := u.cfg.MediaMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return Result{}, fmt.Errorf("read media: %w", err)
	}
	if int64(len(body)) > limit {
		return Result{}, fmt.Errorf("%w (>%d bytes)", ErrTooLarge, limit)
	}
	if len(body) == 0 {
		return Result{}, errors.New("empty media upload")
	}

	mediaType := classify(filename)
	contentType := "application/octet-stream"

	switch mediaType {
	case models.MediaTypeImage:
		img, _, err := image.Decode(bytes.NewReader(body))
		if err != nil {
			return Result{}, fmt.Errorf("decode image: %w", err)
		}
		format := chooseFormat(filename)
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(85)); err != nil {
			return Result{}, fmt.Errorf("encode image: %w", err)
		}
		body = buf.Bytes()
		contentType = mimeForFormat(format)
	case models.MediaTypeVideo:
		contentType = videoMime(filename)
	default:
		return Result{}, fmt.Errorf("unsupported media file %q", filename)
	}

	key := uuid.New().String() + keyExtension(filename, mediaType)
	url, err := u.store.Put(ctx, key, body, contentType)
	if err != nil {
		return Result{}, fmt.Errorf("store media: %w", err)
	}

	telemetry.MediaUploads.Inc()
	return Result{URL: url, MediaType: mediaType}, nil
}

func classify(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg", ".png", ".gif":
		return models.MediaTypeImage
	case ".mp4", ".mov":
		return models.MediaTypeVideo
	}
	return ""
}

func chooseFormat(filename string) imaging.Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return imaging.PNG
	case ".gif":
		return imaging.GIF
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

func videoMime(filename string) string {
	if strings.EqualFold(filepath.Ext(filename), ".mov") {
		return "video/quicktime"
	}
	return "video/mp4"
}

func keyExtension(filename, mediaType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" {
		return ext
	}
	if mediaType == models.MediaTypeVideo {
		return ".mp4"
	}
	return ".jpg"
}

type localStore struct {
	baseDir string
	baseURL string
}

func (l *localStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return joinURL(l.baseURL, key), nil
}

type s3Store struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

func (s *s3Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	if s.baseURL != "" {
		return joinURL(s.baseURL, key), nil
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, key), nil
}

func joinURL(base, key string) string {
	if base == "" {
		return key
	}
	return strings.TrimSuffix(base, "/") + "/" + key
}
