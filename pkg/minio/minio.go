package minio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"revledger/pkg/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("minio.client", fx.Provide(registerClient))

// registerClient returns nil when MINIO.ENDPOINT is empty.
func registerClient(c *config.Config) (*minio.Client, error) {
	if c.Minio.Endpoint == "" {
		zap.L().Info("MinIO not configured")
		return nil, nil
	}

	client, err := minio.New(c.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Minio.AccessKey, c.Minio.SecretKey, ""),
		Secure: c.Minio.Secure,
	})
	if err != nil {
		zap.L().Error("failed to create MinIO client", zap.Error(err))
		return nil, err
	}

	zap.L().Info("MinIO client initialized", zap.String("endpoint", c.Minio.Endpoint))
	return client, nil
}

// EnsureBucket creates bucket if it does not exist yet.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	zap.L().Info("MinIO bucket created", zap.String("bucket", bucket))
	return nil
}

// PutJSON stores v as a JSON object under key.
func PutJSON(ctx context.Context, client *minio.Client, bucket, key string, v any) (minio.UploadInfo, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	return client.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
}
