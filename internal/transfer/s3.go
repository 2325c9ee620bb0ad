package transfer

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sitekeeper/sitekeeper/internal/config"
)

type s3Client struct {
	name string
	cfg  config.ServerConfig
}

func (c *s3Client) Connect(ctx context.Context) (Session, error) {
	client, err := minio.New(c.cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.cfg.AccessKey, c.cfg.SecretKey, ""),
		Secure: c.cfg.UseSSL,
		Region: c.cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", c.name, err)
	}
	ok, err := client.BucketExists(ctx, c.cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", c.name, err)
	}
	if !ok {
		return nil, fmt.Errorf("server %s: bucket %s does not exist", c.name, c.cfg.Bucket)
	}
	return &s3Session{client: client, bucket: c.cfg.Bucket}, nil
}

type s3Session struct {
	client *minio.Client
	bucket string
}

// Object stores have no directories to create.
func (s *s3Session) MkdirAll(context.Context, string) error { return nil }

func (s *s3Session) Put(ctx context.Context, localPath, remotePath string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, remotePath, localPath, minio.PutObjectOptions{})
	return err
}

func (s *s3Session) Close() error { return nil }
