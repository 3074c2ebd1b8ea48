package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"pv-radar/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// TrackerArchive lädt generierte Tracker-Dateien in einen S3-Bucket.
type TrackerArchive struct {
	client   *s3.Client
	bucket   string
	endpoint string
}

// NewTrackerArchive erstellt einen S3-Client für das Tracker-Archiv.
// Gibt nil zurück, wenn kein S3 konfiguriert ist.
func NewTrackerArchive(ctx context.Context, cfg *config.Config) (*TrackerArchive, error) {
	if !cfg.S3Configured() {
		return nil, nil
	}

	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.S3Endpoint,
				SigningRegion:     cfg.S3Region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3Key, cfg.S3Secret, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, fmt.Errorf("s3 konfiguration: %w", err)
	}

	return &TrackerArchive{
		client:   s3.NewFromConfig(awsCfg),
		bucket:   cfg.S3Bucket,
		endpoint: cfg.S3Endpoint,
	}, nil
}

// Upload lädt eine Tracker-Datei unter exports/<filename> hoch und gibt den Link zurück.
func (a *TrackerArchive) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	key := path.Join("exports", filename)
	contentType := "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return fmt.Sprintf("%s/%s/%s", a.endpoint, a.bucket, key), nil
}
