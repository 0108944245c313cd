package http

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ValerySidorin/acheron/pkg/enrich/model"
	"github.com/ValerySidorin/acheron/pkg/failure"
	util_http "github.com/ValerySidorin/acheron/pkg/util/http"
	"github.com/go-kit/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

type Config struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`

	MaxRetries   int           `yaml:"max_retries"`
	RetryWaitMin time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.URL, flagPrefix+"http.url", "", "Enrichment service endpoint.")
	f.StringVar(&c.Token, flagPrefix+"http.token", "", "Bearer token sent to the enrichment service.")
	f.DurationVar(&c.Timeout, flagPrefix+"http.timeout", 30*time.Second, "Timeout of one enrichment call.")
	f.IntVar(&c.MaxRetries, flagPrefix+"http.max-retries", 2, "Immediate retries of a call the service never accepted: refused connections, 429 and 503.")
	f.DurationVar(&c.RetryWaitMin, flagPrefix+"http.retry-wait-min", 100*time.Millisecond, "Shortest wait between immediate retries.")
	f.DurationVar(&c.RetryWaitMax, flagPrefix+"http.retry-wait-max", time.Second, "Longest wait between immediate retries. A Retry-After header is honoured up to it.")
}

type request struct {
	TenantID     string          `json:"tenantId"`
	BatchID      string          `json:"batchId"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId"`
	Resource     json.RawMessage `json:"resource"`
}

type response struct {
	Resource     json.RawMessage `json:"resource"`
	QualityScore float64         `json:"qualityScore"`
	Embeddings   [][]float32     `json:"embeddings"`
}

// Client calls a remote enrichment service. It retries on its own only
// calls the service turned away before doing any work. Everything else is
// left to the pipeline, which spaces retries out with its policy.
type Client struct {
	cfg    Config
	log    log.Logger
	client *retryablehttp.Client
}

func NewClient(cfg Config, log log.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("enrichment http: url is empty")
	}

	c := retryablehttp.NewClient()
	c.RetryMax = cfg.MaxRetries
	c.RetryWaitMin = cfg.RetryWaitMin
	c.RetryWaitMax = cfg.RetryWaitMax
	c.HTTPClient.Timeout = cfg.Timeout
	c.Logger = nil
	c.CheckRetry = checkRetry
	// The last response is classified like any other once retries run out.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		cfg:    cfg,
		log:    log,
		client: c,
	}, nil
}

// checkRetry retries refused connections and responses that reject the
// call outright. A call that may have reached the enrichment logic is not
// repeated here.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		var op *net.OpError
		return errors.As(err, &op) && op.Op == "dial", nil
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true, nil
	}
	return false, nil
}

func (c *Client) Enrich(ctx context.Context, tenantID string, payload []byte, ec model.Context) (*model.Result, error) {
	body, err := json.Marshal(request{
		TenantID:     tenantID,
		BatchID:      ec.BatchID,
		ResourceType: ec.ResourceType,
		ResourceID:   ec.ResourceID,
		Resource:     payload,
	})
	if err != nil {
		return nil, failure.Wrap(failure.Permanent, err, "enrichment http: encode request")
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, failure.Wrap(failure.Permanent, err, "enrichment http: create request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, failure.Wrap(failure.Transient, err, "enrichment http: call")
	}
	defer resp.Body.Close()

	if err := util_http.CheckResponse(resp); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, failure.Wrap(failure.KindOf(err), err, "enrichment http")
	}

	out := response{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, failure.Wrap(failure.Permanent, err, "enrichment http: decode response")
	}
	if len(out.Resource) == 0 {
		return nil, failure.New(failure.Permanent, "enrichment http: response has no resource")
	}

	return &model.Result{
		Payload:      out.Resource,
		QualityScore: out.QualityScore,
		Embeddings:   out.Embeddings,
	}, nil
}
