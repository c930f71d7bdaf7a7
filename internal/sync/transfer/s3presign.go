package transfer

import (
	"context"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	apperrors "github.com/wayfarer/sync-engine/internal/errors"
	"github.com/wayfarer/sync-engine/internal/sync/transport"
)

// S3Provider issues presigned object URLs straight from S3, for deployments
// where the device holds its own storage credentials instead of asking the
// sync server to sign URLs.
type S3Provider struct {
	presigner *s3.PresignClient
	bucket    string
	ttl       time.Duration
	now       func() time.Time
}

// NewS3Provider loads AWS configuration from the environment and builds a
// presigning provider for the given bucket.
func NewS3Provider(ctx context.Context, bucket, region string, ttl time.Duration) (*S3Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to load AWS configuration", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Provider{
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		ttl:       ttl,
		now:       time.Now,
	}, nil
}

func (p *S3Provider) UploadURL(ctx context.Context, objectKey string) (*transport.SignedURL, error) {
	req, err := p.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: &p.bucket,
		Key:    &objectKey,
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageRejected, "failed to presign upload", err)
	}
	return &transport.SignedURL{
		URL:       req.URL,
		ExpiresAt: p.now().Add(p.ttl).UnixMilli(),
	}, nil
}

func (p *S3Provider) DownloadURL(ctx context.Context, objectKey string) (*transport.SignedURL, error) {
	req, err := p.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &p.bucket,
		Key:    &objectKey,
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageRejected, "failed to presign download", err)
	}
	return &transport.SignedURL{
		URL:       req.URL,
		ExpiresAt: p.now().Add(p.ttl).UnixMilli(),
	}, nil
}
