// Package api is the operator surface of the pipeline: batch submission,
// progress, errors, dead letters and replay, all scoped by tenant.
package api

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ValerySidorin/acheron/pkg/blobstore"
	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/ValerySidorin/acheron/pkg/index"
	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/ValerySidorin/acheron/pkg/tracker"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weaveworks/common/logging"
	"github.com/weaveworks/common/middleware"
	"go.uber.org/atomic"
)

type Config struct {
	ListenAddress   string        `yaml:"listen_address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadSize   int64         `yaml:"max_upload_size"`
	SpoolDir        string        `yaml:"spool_dir"`
	QueryLimit      int           `yaml:"query_limit"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.ListenAddress, flagPrefix+"listen-address", ":8080", "Address the HTTP server listens on.")
	f.DurationVar(&c.ReadTimeout, flagPrefix+"read-timeout", 5*time.Minute, "Read timeout of a request, uploads included.")
	f.DurationVar(&c.WriteTimeout, flagPrefix+"write-timeout", 30*time.Second, "Write timeout of a response.")
	f.DurationVar(&c.ShutdownTimeout, flagPrefix+"shutdown-timeout", 10*time.Second, "Time open requests get to finish on shutdown.")
	f.Int64Var(&c.MaxUploadSize, flagPrefix+"max-upload-size", 1<<30, "Largest export accepted as a request body, in bytes.")
	f.StringVar(&c.SpoolDir, flagPrefix+"spool-dir", os.TempDir(), "Directory uploads are spooled to before they reach the blob store.")
	f.IntVar(&c.QueryLimit, flagPrefix+"query-limit", 100, "Largest number of resources returned by one query.")
}

// Pipeline is what the API drives.
type Pipeline interface {
	Submit(ctx context.Context, tenantID, batchID string, ref message.ExportRef) error
	CancelBatch(ctx context.Context, tenantID, batchID string) error
	Replay(ctx context.Context, tenantID, correlationID string) error
}

type API struct {
	services.Service

	cfg Config
	log log.Logger

	pipeline Pipeline
	tracker  tracker.Tracker
	blobs    blobstore.Store
	index    index.Store

	router   *mux.Router
	server   *http.Server
	listener net.Listener
	ready    *atomic.Bool
}

func New(cfg Config, p Pipeline, t tracker.Tracker, blobs blobstore.Store, idx index.Store, gatherer prometheus.Gatherer, logger log.Logger) *API {
	a := &API{
		cfg: cfg,
		log: log.With(logger, "service", "api"),

		pipeline: p,
		tracker:  t,
		blobs:    blobs,
		index:    idx,

		router: mux.NewRouter(),
		ready:  atomic.NewBool(false),
	}

	a.routes(gatherer)

	handler := middleware.Log{Log: logging.GoKit(a.log)}.Wrap(a.router)
	a.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	a.Service = services.NewIdleService(a.starting, a.stopping)
	return a
}

func (a *API) routes(gatherer prometheus.Gatherer) {
	a.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	a.router.HandleFunc("/ready", a.handleReady).Methods(http.MethodGet)

	t := a.router.PathPrefix("/api/v1/tenants/{tenant}").Subrouter()
	t.HandleFunc("/batches", a.handleSubmit).Methods(http.MethodPost)
	t.HandleFunc("/batches/{batch}", a.handleBatch).Methods(http.MethodGet)
	t.HandleFunc("/batches/{batch}/cancel", a.handleCancel).Methods(http.MethodPost)
	t.HandleFunc("/batches/{batch}/errors", a.handleErrors).Methods(http.MethodGet)
	t.HandleFunc("/batches/{batch}/dead-letters", a.handleDeadLetters).Methods(http.MethodGet)
	t.HandleFunc("/items/{item}", a.handleItem).Methods(http.MethodGet)
	t.HandleFunc("/items/{item}/replay", a.handleReplay).Methods(http.MethodPost)
	t.HandleFunc("/resources", a.handleResources).Methods(http.MethodGet)
}

// ServeHTTP serves the API without a listener, as in tests.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.server.Handler.ServeHTTP(w, r)
}

func (a *API) starting(ctx context.Context) error {
	l, err := net.Listen("tcp", a.cfg.ListenAddress)
	if err != nil {
		return errors.Wrap(err, "api listen")
	}
	a.listener = l

	go func() {
		if err := a.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = level.Error(a.log).Log("msg", "http server stopped", "err", err)
		}
	}()

	a.ready.Store(true)
	_ = level.Info(a.log).Log("msg", "api listening", "addr", l.Addr().String())
	return nil
}

func (a *API) stopping(_ error) error {
	a.ready.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return a.server.Shutdown(ctx)
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() {
		a.writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ready\n")
}

// BatchStatus is the progress of a batch as shown to operators.
type BatchStatus struct {
	TenantID       string              `json:"tenantId"`
	BatchID        string              `json:"batchId"`
	Stage          workitem.BatchStage `json:"stage"`
	ProcessedCount int                 `json:"processedCount"`
	TotalResources *int                `json:"totalResources"`
	ErroredCount   int                 `json:"erroredCount"`
	FailedReason   string              `json:"failedReason,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
}

func statusOf(b *workitem.BatchRecord) BatchStatus {
	return BatchStatus{
		TenantID:       b.TenantID,
		BatchID:        b.BatchID,
		Stage:          b.Stage,
		ProcessedCount: b.ProcessedCount,
		TotalResources: b.TotalResources,
		ErroredCount:   b.ErroredCount,
		FailedReason:   b.FailedReason,
		CreatedAt:      b.CreatedAt,
	}
}

// SubmitRequest names an export that is already reachable.
type SubmitRequest struct {
	BatchID   string `json:"batchId"`
	ObjectKey string `json:"objectKey"`
	URL       string `json:"url"`
	Format    string `json:"format"`
}

type SubmitResponse struct {
	TenantID string `json:"tenantId"`
	BatchID  string `json:"batchId"`
}

// handleSubmit accepts either a JSON SubmitRequest or the export itself as
// the request body. An uploaded export is stored under the batch first.
func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	if err := workitem.ValidateTenant(tenantID); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req SubmitRequest
	asJSON := isJSON(r)
	if asJSON {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	} else {
		req.BatchID = r.URL.Query().Get("batchId")
		req.Format = r.URL.Query().Get("format")
	}
	if req.BatchID == "" {
		req.BatchID = uuid.NewString()
	}
	if err := workitem.ValidateBatch(req.BatchID); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ref := message.ExportRef{ObjectKey: req.ObjectKey, URL: req.URL, Format: req.Format}
	if !asJSON {
		// The export of a running batch is never overwritten.
		if _, err := a.tracker.GetBatchStatus(r.Context(), tenantID, req.BatchID); err == nil {
			a.writeError(w, http.StatusConflict, "batch already exists")
			return
		} else if !errors.Is(err, tracker.ErrNotFound) {
			a.writeFailure(w, err)
			return
		}

		key, err := a.upload(r, tenantID, req.BatchID)
		if err != nil {
			a.writeFailure(w, err)
			return
		}
		ref.ObjectKey = key
	}

	if err := a.pipeline.Submit(r.Context(), tenantID, req.BatchID, ref); err != nil {
		a.writeFailure(w, err)
		return
	}

	_ = level.Info(a.log).Log("msg", "batch submitted", "tenant", tenantID, "batch", req.BatchID)
	a.writeJSON(w, http.StatusAccepted, SubmitResponse{TenantID: tenantID, BatchID: req.BatchID})
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// upload spools the request body to disk so the blob store gets a sized
// reader, then stores it as the export of the batch.
func (a *API) upload(r *http.Request, tenantID, batchID string) (string, error) {
	f, err := os.CreateTemp(a.cfg.SpoolDir, "acheron-upload-*")
	if err != nil {
		return "", errors.Wrap(err, "api: spool upload")
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	n, err := io.Copy(f, io.LimitReader(r.Body, a.cfg.MaxUploadSize+1))
	if err != nil {
		return "", errors.Wrap(err, "api: spool upload")
	}
	if n == 0 {
		return "", failure.New(failure.Validation, "export is empty")
	}
	if n > a.cfg.MaxUploadSize {
		return "", failure.New(failure.Validation, fmt.Sprintf("export exceeds %d bytes", a.cfg.MaxUploadSize))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", errors.Wrap(err, "api: rewind upload")
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key, err := blobstore.ExportKey(tenantID, batchID, "export")
	if err != nil {
		return "", err
	}
	if err := a.blobs.PutStream(r.Context(), key, f, contentType); err != nil {
		return "", errors.Wrap(err, "api: store upload")
	}
	return key, nil
}

func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	b, err := a.tracker.GetBatchStatus(r.Context(), vars["tenant"], vars["batch"])
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, statusOf(b))
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.pipeline.CancelBatch(r.Context(), vars["tenant"], vars["batch"]); err != nil {
		a.writeFailure(w, err)
		return
	}

	_ = level.Info(a.log).Log("msg", "batch cancelled", "tenant", vars["tenant"], "batch", vars["batch"])
	a.handleBatch(w, r)
}

func (a *API) handleErrors(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	b, err := a.tracker.GetBatchStatus(r.Context(), vars["tenant"], vars["batch"])
	if err != nil {
		a.writeFailure(w, err)
		return
	}

	errs := b.Errors
	if errs == nil {
		errs = []workitem.BatchError{}
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"errors": errs})
}

func (a *API) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, err := a.tracker.GetBatchStatus(r.Context(), vars["tenant"], vars["batch"]); err != nil {
		a.writeFailure(w, err)
		return
	}

	dls, err := a.tracker.ListDeadLetters(r.Context(), vars["tenant"], vars["batch"])
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	if dls == nil {
		dls = []*workitem.DeadLetter{}
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"deadLetters": dls})
}

type ItemResponse struct {
	Item    *workitem.WorkItem           `json:"item"`
	Results []*workitem.ProcessingResult `json:"results"`
}

func (a *API) handleItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	item, err := a.tracker.GetItem(r.Context(), vars["tenant"], vars["item"])
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	results, err := a.tracker.ListResults(r.Context(), vars["tenant"], vars["item"])
	if err != nil {
		a.writeFailure(w, err)
		return
	}

	// Payloads stay in the blob store.
	item.Payload = nil
	a.writeJSON(w, http.StatusOK, ItemResponse{Item: item, Results: results})
}

func (a *API) handleReplay(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.pipeline.Replay(r.Context(), vars["tenant"], vars["item"]); err != nil {
		a.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

var resourceFilters = []string{"resource_type", "resource_id", "batch_id", "quality_flagged"}

func (a *API) handleResources(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	q := r.URL.Query()

	filters := map[string]string{}
	for _, k := range resourceFilters {
		if v := q.Get(k); v != "" {
			filters[k] = v
		}
	}

	limit := a.cfg.QueryLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			a.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < limit {
			limit = n
		}
	}

	docs, err := a.index.Query(r.Context(), tenantID, filters, limit)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"resources": docs})
}

func (a *API) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		a.writeError(w, http.StatusNotFound, "not found")
	case failure.Is(err, failure.Validation):
		a.writeError(w, http.StatusBadRequest, err.Error())
	case failure.Is(err, failure.Duplicate):
		a.writeError(w, http.StatusConflict, err.Error())
	default:
		_ = level.Error(a.log).Log("msg", "request failed", "err", err)
		a.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_ = level.Warn(a.log).Log("msg", "failed to write response", "err", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}
