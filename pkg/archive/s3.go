package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

type URLMode string

const (
	URLModePresigned URLMode = "presigned"
	URLModePublic    URLMode = "public"
)

// Config configures the S3 archive. An empty bucket disables archiving.
type Config struct {
	Bucket          string        `mapstructure:"bucket"`
	Prefix          string        `mapstructure:"prefix"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UsePathStyle    bool          `mapstructure:"use_path_style"`
	URLMode         URLMode       `mapstructure:"url_mode"`
	PresignedTTL    time.Duration `mapstructure:"presigned_ttl"`
}

// Enabled reports whether a bucket is configured
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

// S3Archive stores exported documents in an S3 compatible bucket
type S3Archive struct {
	client       *s3.Client
	presign      *s3.PresignClient
	bucket       string
	prefix       string
	endpoint     string
	usePathStyle bool
	urlMode      URLMode
	presignedTTL time.Duration
	log          zerolog.Logger
}

// NewS3Archive creates an archive from cfg. Without static keys the default
// AWS credential chain is used.
func NewS3Archive(ctx context.Context, cfg Config, log zerolog.Logger) (*S3Archive, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.URLMode == "" {
		cfg.URLMode = URLModePresigned
	}
	if cfg.URLMode != URLModePresigned && cfg.URLMode != URLModePublic {
		return nil, fmt.Errorf("unsupported s3 url mode: %s", cfg.URLMode)
	}
	if cfg.PresignedTTL <= 0 {
		cfg.PresignedTTL = 24 * time.Hour
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws config: %w", err)
	}

	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	client := s3.NewFromConfig(awsCfg, func(options *s3.Options) {
		if endpoint != "" {
			options.BaseEndpoint = aws.String(endpoint)
		}
		options.UsePathStyle = cfg.UsePathStyle
	})
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://s3.%s.amazonaws.com", cfg.Region)
	}

	return &S3Archive{
		client:       client,
		presign:      s3.NewPresignClient(client),
		bucket:       strings.TrimSpace(cfg.Bucket),
		prefix:       strings.Trim(cfg.Prefix, "/"),
		endpoint:     endpoint,
		usePathStyle: cfg.UsePathStyle,
		urlMode:      cfg.URLMode,
		presignedTTL: cfg.PresignedTTL,
		log:          log.With().Str("component", "archive").Logger(),
	}, nil
}

// ObjectKey builds the key of an exported document
func ObjectKey(prefix, accountID, exportID, filename string, at time.Time) string {
	ext := path.Ext(filename)
	if ext == "" {
		ext = ".pdf"
	}
	key := path.Join(accountID, at.UTC().Format("2006/01/02"), exportID+ext)
	if prefix != "" {
		key = path.Join(prefix, key)
	}
	return key
}

// Put uploads body and returns a URL to read it back
func (s *S3Archive) Put(ctx context.Context, accountID, exportID, filename, contentType string, body []byte) (string, error) {
	key := ObjectKey(s.prefix, accountID, exportID, filename, time.Now())

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object failed: %w", err)
	}
	s.log.Debug().Str("key", key).Int("bytes", len(body)).Msg("report archived")

	if s.urlMode == URLModePublic {
		return publicURL(s.endpoint, s.bucket, key, s.usePathStyle), nil
	}

	request, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.presignedTTL))
	if err != nil {
		return "", fmt.Errorf("presign failed: %w", err)
	}
	return request.URL, nil
}

func publicURL(endpoint, bucket, key string, usePathStyle bool) string {
	escapedKey := url.PathEscape(key)
	escapedKey = strings.ReplaceAll(escapedKey, "%2F", "/")
	if usePathStyle {
		return fmt.Sprintf("%s/%s/%s", endpoint, bucket, escapedKey)
	}
	host := strings.TrimPrefix(endpoint, "https://")
	host = strings.TrimPrefix(host, "http://")
	return fmt.Sprintf("https://%s.%s/%s", bucket, host, escapedKey)
}
