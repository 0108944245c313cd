package typesense

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/typesense/typesense-go/v2/typesense"
	"github.com/typesense/typesense-go/v2/typesense/api"
	"github.com/typesense/typesense-go/v2/typesense/api/pointer"
)

const collectionPrefix = "resources_"

type Config struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.URL, flagPrefix+"typesense.url", "http://localhost:8108", "Typesense server url.")
	f.StringVar(&c.APIKey, flagPrefix+"typesense.api-key", "", "Typesense API key.")
	f.DurationVar(&c.Timeout, flagPrefix+"typesense.timeout", 5*time.Second, "Typesense connection timeout.")
}

// Client keeps one collection per tenant.
type Client struct {
	client *typesense.Client

	mu          sync.Mutex
	collections map[string]struct{}
}

func NewClient(cfg Config) (*Client, error) {
	client := typesense.NewClient(
		typesense.WithServer(cfg.URL),
		typesense.WithAPIKey(cfg.APIKey),
		typesense.WithConnectionTimeout(cfg.Timeout),
	)

	return &Client{
		client:      client,
		collections: make(map[string]struct{}),
	}, nil
}

func CollectionName(tenantID string) string {
	return collectionPrefix + tenantID
}

func (c *Client) ensureCollection(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.collections[name]; ok {
		return nil
	}

	if _, err := c.client.Collection(name).Retrieve(ctx); err == nil {
		c.collections[name] = struct{}{}
		return nil
	}

	schema := &api.CollectionSchema{
		Name: name,
		Fields: []api.Field{
			{Name: "resource_type", Type: "string", Facet: pointer.True()},
			{Name: "resource_id", Type: "string"},
			{Name: "batch_id", Type: "string", Facet: pointer.True()},
			{Name: "quality_score", Type: "float", Optional: pointer.True()},
			{Name: "quality_flagged", Type: "bool", Facet: pointer.True(), Optional: pointer.True()},
			{Name: "blob_key", Type: "string", Optional: pointer.True()},
			{Name: "stored_at", Type: "int64"},
		},
		DefaultSortingField: pointer.String("stored_at"),
	}

	if _, err := c.client.Collections().Create(ctx, schema); err != nil {
		// A concurrent writer may have created it in between.
		if _, rerr := c.client.Collection(name).Retrieve(ctx); rerr != nil {
			return errors.Wrap(err, "typesense: create collection")
		}
	}

	c.collections[name] = struct{}{}
	return nil
}

func (c *Client) Upsert(ctx context.Context, tenantID, key string, attrs map[string]interface{}) error {
	name := CollectionName(tenantID)
	if err := c.ensureCollection(ctx, name); err != nil {
		return err
	}

	document := make(map[string]interface{}, len(attrs)+1)
	for k, v := range attrs {
		document[k] = v
	}
	document["id"] = key

	if _, err := c.client.Collection(name).Documents().Upsert(ctx, document); err != nil {
		return errors.Wrap(err, "typesense: upsert document")
	}
	return nil
}

func (c *Client) Query(ctx context.Context, tenantID string, filters map[string]string, limit int) ([]map[string]interface{}, error) {
	name := CollectionName(tenantID)
	if err := c.ensureCollection(ctx, name); err != nil {
		return nil, err
	}

	params := &api.SearchCollectionParams{
		Q:       pointer.String("*"),
		QueryBy: pointer.String("resource_type"),
		PerPage: pointer.Int(limit),
	}
	if f := FilterBy(filters); f != "" {
		params.FilterBy = pointer.String(f)
	}

	result, err := c.client.Collection(name).Documents().Search(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "typesense: search documents")
	}

	docs := make([]map[string]interface{}, 0)
	if result.Hits == nil {
		return docs, nil
	}
	for _, hit := range *result.Hits {
		if hit.Document != nil {
			docs = append(docs, *hit.Document)
		}
	}
	return docs, nil
}

// FilterBy renders exact-match filters in a stable order.
func FilterBy(filters map[string]string) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:=`%s`", k, filters[k]))
	}
	return strings.Join(parts, " && ")
}
