package blobstore

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ValerySidorin/acheron/pkg/blobstore/minio"
	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/pkg/errors"
)

type Config struct {
	Store  string       `yaml:"store"`
	Bucket string       `yaml:"bucket"`
	Minio  minio.Config `yaml:"minio"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	c.Minio.RegisterFlags(flagPrefix, f)

	f.StringVar(&c.Store, flagPrefix+"store", "minio", "Blob store backend.")
	f.StringVar(&c.Bucket, flagPrefix+"bucket", "acheron", "Bucket holding exports and stored resources.")
}

// Store holds exports and persisted resources. Put overwrites the object at
// key.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	// PutStream stores everything read from r, such as a spooled upload.
	PutStream(ctx context.Context, key string, r io.Reader, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

func New(cfg Config) (Store, error) {
	switch cfg.Store {
	case "minio":
		return minio.NewClient(cfg.Minio, cfg.Bucket)
	}

	return nil, errors.New("invalid store in config")
}

// Key is where the persisted form of a resource lives. Every key starts
// with the tenant so that no two tenants share a prefix.
func Key(tenantID, batchID, resourceType, resourceID string) (string, error) {
	return tenantKey(tenantID, batchID, resourceType, resourceID+".json")
}

func EmbeddingKey(tenantID, batchID, resourceType, resourceID string) (string, error) {
	return tenantKey(tenantID, batchID, resourceType, resourceID+".embeddings.json")
}

func ExportKey(tenantID, batchID, name string) (string, error) {
	return tenantKey(tenantID, batchID, "exports", path.Base(name))
}

// InTenant reports whether key stays inside the prefix of tenantID once
// any dot segments are resolved.
func InTenant(tenantID, key string) bool {
	return tenantID != "" && key == path.Clean(key) && strings.HasPrefix(key, tenantID+"/")
}

func tenantKey(tenantID string, segments ...string) (string, error) {
	if err := workitem.ValidateTenant(tenantID); err != nil {
		return "", failure.Wrap(failure.Validation, err, "object key")
	}
	key := path.Join(append([]string{tenantID}, segments...)...)
	if !InTenant(tenantID, key) || strings.Count(key, "/") != len(segments) {
		return "", failure.New(failure.Validation, fmt.Sprintf("object key %q escapes tenant %q", key, tenantID))
	}
	return key, nil
}
