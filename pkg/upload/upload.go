// Package upload moves built artifacts to an S3 or S3-compatible object
// store once the policy engine has admitted them.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// Config holds the object-store target for artifact uploads.
type Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// Validate checks the config for the fields uploads cannot do without.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("upload: bucket is required")
	}
	if c.Endpoint == "" && c.Region == "" {
		return errors.New("upload: region is required without a custom endpoint")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errors.New("upload: access key id and secret must be set together")
	}
	return nil
}

// Uploader sends one local file per call to the configured bucket.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) error
}

// S3Uploader implements Uploader against S3 or an S3-compatible store.
type S3Uploader struct {
	client *s3.Client
	bucket string
	log    *zap.Logger
}

// New builds an S3Uploader. Explicit static credentials take precedence;
// otherwise the SDK's default chain applies.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*S3Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("upload: load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = cfg.ForcePathStyle
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &S3Uploader{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		log:    log,
	}, nil
}

// Upload streams a local file to the bucket under key.
func (u *S3Uploader) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("upload: open artifact: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("upload: stat artifact: %w", err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("upload: put s3://%s/%s: %s: %w", u.bucket, key, apiErr.ErrorCode(), err)
		}
		return fmt.Errorf("upload: put s3://%s/%s: %w", u.bucket, key, err)
	}

	u.log.Info("artifact uploaded",
		zap.String("bucket", u.bucket),
		zap.String("key", key),
		zap.Int64("size", fi.Size()))
	return nil
}
