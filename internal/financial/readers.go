package financial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DirReader reads blobs from a local directory.
type DirReader struct {
	Dir string
}

func (d DirReader) Read(_ context.Context, name string) ([]byte, time.Time, error) {
	path := filepath.Join(d.Dir, filepath.Base(name))
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// MinioReader reads blobs from an S3-compatible bucket.
type MinioReader struct {
	client *minio.Client
	bucket string
}

func NewMinioReader(cfg MinioConfig) (*MinioReader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioReader{client: client, bucket: cfg.Bucket}, nil
}

func (m *MinioReader) Read(ctx context.Context, name string) ([]byte, time.Time, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, time.Time{}, mapMinioError(err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, time.Time{}, mapMinioError(err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, time.Time{}, mapMinioError(err)
	}
	return data, info.LastModified, nil
}

func mapMinioError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return ErrNotFound
	}
	return err
}
