// Package fetcher downloads exports published as URLs, such as the output
// links of a bulk $export, to local disk before they are chunked.
package fetcher

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ValerySidorin/acheron/pkg/failure"
	util_http "github.com/ValerySidorin/acheron/pkg/util/http"
	"github.com/cavaliergopher/grab/v3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

const FileName = "export"

type Config struct {
	Dir              string        `yaml:"dir"`
	BufferSize       int           `yaml:"buffer_size"`
	Token            string        `yaml:"token"`
	StallTimeout     time.Duration `yaml:"stall_timeout"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Dir, flagPrefix+"dir", filepath.Join(os.TempDir(), "acheron"), "Directory exports are downloaded to.")
	f.IntVar(&c.BufferSize, flagPrefix+"buffer-size", 32*1024, "Download buffer size in bytes.")
	f.StringVar(&c.Token, flagPrefix+"token", "", "Bearer token sent with export downloads.")
	f.DurationVar(&c.StallTimeout, flagPrefix+"stall-timeout", 30*time.Second, "A download that makes no progress for this long is cancelled.")
	f.DurationVar(&c.ProgressInterval, flagPrefix+"progress-interval", 5*time.Second, "How often download progress is logged.")
}

type Fetcher struct {
	grabClient *grab.Client
	cfg        Config
	log        log.Logger
}

func New(cfg Config, log log.Logger) *Fetcher {
	c := grab.NewClient()
	c.BufferSize = cfg.BufferSize

	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 30 * time.Second
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}

	return &Fetcher{
		grabClient: c,
		cfg:        cfg,
		log:        log,
	}
}

// Fetch downloads url and returns the file opened for reading. The file is
// removed on Close.
func (f *Fetcher) Fetch(ctx context.Context, tenantID, batchID, url string) (io.ReadCloser, error) {
	dir := filepath.Join(f.cfg.Dir, tenantID, batchID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, errors.Wrap(err, "fetcher os.RemoveAll")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "fetcher os.MkdirAll")
	}

	dst := filepath.Join(dir, FileName)
	if err := f.download(ctx, dst, url); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	file, err := os.Open(dst)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, errors.Wrap(err, "fetcher os.Open")
	}
	return &tempFile{File: file, dir: dir}, nil
}

func (f *Fetcher) download(ctx context.Context, dst, url string) error {
	req, err := grab.NewRequest(dst, url)
	if err != nil {
		return failure.Wrap(failure.Permanent, err, "fetcher create request")
	}
	if f.cfg.Token != "" {
		req.HTTPRequest.Header.Set("Authorization", "Bearer "+f.cfg.Token)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	req = req.WithContext(ctx)

	_ = level.Info(f.log).Log("msg", fmt.Sprintf("start downloading export: %s", url))
	resp := f.grabClient.Do(req)

	// A dropped connection is not always reported, so a download that stops
	// making progress is cancelled.
	stalled := make(chan struct{})
	go func() {
		t := time.NewTicker(f.cfg.StallTimeout)
		defer t.Stop()

		prev := resp.BytesComplete()
		for {
			select {
			case <-t.C:
				cur := resp.BytesComplete()
				if cur == prev {
					_ = level.Error(f.log).Log("msg", "export download stalled, canceling", "url", url)
					close(stalled)
					cancel()
					return
				}
				prev = cur
			case <-resp.Done:
				return
			}
		}
	}()

	t := time.NewTicker(f.cfg.ProgressInterval)
	defer t.Stop()

Loop:
	for {
		select {
		case <-t.C:
			_ = level.Debug(f.log).Log("msg", fmt.Sprintf("transferred %d / %d bytes (%.2f%%)",
				resp.BytesComplete(),
				resp.Size(),
				100*resp.Progress()), "url", url)
		case <-resp.Done:
			break Loop
		}
	}

	err = resp.Err()
	if err == nil {
		return nil
	}

	select {
	case <-stalled:
		return failure.Wrap(failure.Transient, err, "fetcher download stalled")
	default:
	}

	var code grab.StatusCodeError
	if errors.As(err, &code) && !util_http.IsRetryableStatusCode(int(code)) {
		return failure.Wrap(failure.Permanent, err, "fetcher download")
	}
	return failure.Wrap(failure.Transient, err, "fetcher download")
}

type tempFile struct {
	*os.File
	dir string
}

func (t *tempFile) Close() error {
	err := t.File.Close()
	if rmErr := os.RemoveAll(t.dir); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
