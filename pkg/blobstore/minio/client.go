package minio

import (
	"bytes"
	"context"
	"flag"
	"io"

	"github.com/ValerySidorin/acheron/pkg/failure"
	util_io "github.com/ValerySidorin/acheron/pkg/util/io"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

type Config struct {
	Endpoint          string `yaml:"endpoint"`
	MinioRootUser     string `yaml:"minio_root_user"`
	MinioRootPassword string `yaml:"minio_root_password"`
	Secure            bool   `yaml:"secure"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Endpoint, flagPrefix+"minio.endpoint", "localhost:9000", "Minio endpoint.")
	f.StringVar(&c.MinioRootUser, flagPrefix+"minio.user", "", "Minio access key.")
	f.StringVar(&c.MinioRootPassword, flagPrefix+"minio.password", "", "Minio secret key.")
	f.BoolVar(&c.Secure, flagPrefix+"minio.secure", false, "Use TLS to reach minio.")
}

type MinioClient struct {
	client *minio.Client
	bucket string
}

func NewClient(cfg Config, bucket string) (*MinioClient, error) {
	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioRootUser, cfg.MinioRootPassword, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "initialize minio client")
	}

	found, err := minioClient.BucketExists(context.Background(), bucket)
	if err != nil {
		return nil, errors.Wrap(err, "check minio bucket exists")
	}

	if !found {
		if err := minioClient.MakeBucket(context.Background(), bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrap(err, "make minio bucket")
		}
	}

	return &MinioClient{
		client: minioClient,
		bucket: bucket,
	}, nil
}

func (c *MinioClient) Put(ctx context.Context, key string, data []byte) error {
	return c.PutStream(ctx, key, bytes.NewReader(data), "application/json")
}

// PutStream stores r under key. A reader of unknown size is uploaded in
// parts.
func (c *MinioClient) PutStream(ctx context.Context, key string, r io.Reader, contentType string) error {
	size, ok := util_io.Remaining(r)
	if !ok {
		size = -1
	}

	if _, err := c.client.PutObject(ctx, c.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return errors.Wrap(err, "store minio object")
	}

	return nil
}

func (c *MinioClient) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, errors.Wrap(err, "read minio object")
	}
	return data, nil
}

func (c *MinioClient) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "retrieve minio object")
	}

	// GetObject is lazy; Stat surfaces a missing key before the first read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, failure.Wrap(failure.Permanent, err, "retrieve minio object")
		}
		return nil, errors.Wrap(err, "retrieve minio object")
	}

	return obj, nil
}
