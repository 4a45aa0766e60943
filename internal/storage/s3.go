package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tahcohcat/longform-tts/config"
	"github.com/tahcohcat/longform-tts/internal/logger"
)

// S3Gateway stores objects in an S3-compatible bucket. Cloudflare R2 is
// reached by setting the account id, which derives the endpoint.
type S3Gateway struct {
	bucket    string
	prefix    string
	vhosts    []string
	pathHosts []string
	client    *s3.Client
	uploader  *manager.Uploader
	presigner *s3.PresignClient
	logger    *logger.Log
}

func NewS3Gateway(ctx context.Context, cfg config.S3Config, keyPrefix string) (*S3Gateway, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage.s3.bucket is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountID != "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	g := &S3Gateway{
		bucket:    cfg.Bucket,
		prefix:    keyPrefix,
		client:    client,
		uploader:  manager.NewUploader(client),
		presigner: s3.NewPresignClient(client),
		logger:    logger.New(),
	}

	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("parse storage endpoint %q: %v", endpoint, err)
		}
		g.vhosts = []string{cfg.Bucket + "." + u.Host}
		g.pathHosts = []string{u.Host}
	} else {
		g.vhosts = []string{cfg.Bucket + ".s3.amazonaws.com"}
		g.pathHosts = []string{"s3.amazonaws.com"}
		if awsCfg.Region != "" {
			g.vhosts = append(g.vhosts, fmt.Sprintf("%s.s3.%s.amazonaws.com", cfg.Bucket, awsCfg.Region))
			g.pathHosts = append(g.pathHosts, fmt.Sprintf("s3.%s.amazonaws.com", awsCfg.Region))
		}
	}
	return g, nil
}

func (g *S3Gateway) Name() string { return "s3" }

func (g *S3Gateway) Put(ctx context.Context, body io.Reader, size int64, contentType string) (string, error) {
	key := newKey(g.prefix, contentType)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := g.uploader.Upload(ctx, input); err != nil {
		return "", storageErr("upload "+key, err)
	}
	g.logger.Debug(fmt.Sprintf("uploaded %s (%d bytes) to bucket %s", key, size, g.bucket))
	return key, nil
}

func (g *S3Gateway) Sign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := g.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", storageErr("presign "+key, err)
	}
	return req.URL, nil
}

// Delete removes an object, used when a stored upload cannot be signed.
func (g *S3Gateway) Delete(ctx context.Context, key string) error {
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return storageErr("delete "+key, err)
	}
	return nil
}

// Serves matches links into this bucket only: the bucket's virtual host, or
// the endpoint host with the bucket as the first path segment.
func (g *S3Gateway) Serves(u *url.URL) bool {
	if path.Clean(u.Path) != u.Path {
		return false
	}
	if slices.Contains(g.vhosts, u.Host) {
		return true
	}
	return slices.Contains(g.pathHosts, u.Host) && strings.HasPrefix(u.Path, "/"+g.bucket+"/")
}
