package policyapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cordum/policyhub/core/configsvc"
	"github.com/cordum/policyhub/core/infra/bus"
	"github.com/cordum/policyhub/core/infra/config"
	"github.com/cordum/policyhub/core/infra/docstore"
	"github.com/cordum/policyhub/core/infra/logging"
	infraMetrics "github.com/cordum/policyhub/core/infra/metrics"
	"github.com/cordum/policyhub/core/infra/redisutil"
	"github.com/cordum/policyhub/core/infra/schema"
	"github.com/cordum/policyhub/core/policy"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	component = "policy-api"

	allowedActionsSetting = "allowed-actions"
	metricsNamespace      = "policyhub"
	headerRequestID       = "X-Request-Id"
	maxPolicyBodyBytes    = 1 << 20
	startupTimeout        = 10 * time.Second
)

type server struct {
	client   redis.UniversalClient
	writer   *policy.Writer
	reader   *policy.Reader
	allow    *policy.AllowList
	settings *configsvc.Service
	bus      *bus.NatsBus

	basePath      string
	metrics       infraMetrics.GatewayMetrics
	policyMetrics infraMetrics.PolicyMetrics
	started       time.Time
}

// serverDeps are the collaborators of a server. Nil metrics fall back to Noop.
type serverDeps struct {
	client        redis.UniversalClient
	store         policy.RecordStore
	ensurer       policy.SchemaEnsurer
	allow         *policy.AllowList
	settings      *configsvc.Service
	bus           *bus.NatsBus
	basePath      string
	minCopies     int
	metrics       infraMetrics.GatewayMetrics
	policyMetrics infraMetrics.PolicyMetrics
}

func newServer(d serverDeps) *server {
	if d.metrics == nil {
		d.metrics = infraMetrics.Noop{}
	}
	if d.policyMetrics == nil {
		d.policyMetrics = infraMetrics.Noop{}
	}
	if d.allow == nil {
		d.allow = policy.NewAllowList(policy.KnownActionTypes)
	}
	writer := policy.NewWriter(d.store, d.ensurer, d.allow, policy.WriterOptions{
		BasePath:            d.basePath,
		MinSuccessfulCopies: d.minCopies,
		Metrics:             d.policyMetrics,
	})
	base := strings.TrimRight(strings.TrimSpace(d.basePath), "/")
	if base == "" {
		base = "/policies"
	}
	return &server{
		client:        d.client,
		writer:        writer,
		reader:        policy.NewReader(d.store),
		allow:         d.allow,
		settings:      d.settings,
		bus:           d.bus,
		basePath:      base,
		metrics:       d.metrics,
		policyMetrics: d.policyMetrics,
		started:       time.Now().UTC(),
	}
}

// Run starts the policy API and blocks until the HTTP listener stops.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	client, err := redisutil.Connect(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer client.Close()

	registry := schema.NewRegistryWithClient(client)
	mappingID, mappingSchema := policy.Mapping()
	indexes := docstore.NewIndexManager(client, registry, cfg.Index, docstore.MappingSpec{
		ID:      mappingID,
		Schema:  mappingSchema,
		Version: policy.CurrentSchemaVersion,
	})
	store := docstore.New(client, docstore.Options{
		Index:              cfg.Index,
		Validator:          registry,
		WaitReplicas:       cfg.WaitReplicas,
		ReplicaWaitTimeout: cfg.ReplicaWaitTimeout,
	})

	initial, err := cfg.InitialAllowedActions()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	allow := policy.NewAllowList(initial)
	logging.Info(component, "allow-list loaded", "source", "static", "actions", len(initial))

	var notifier configsvc.Notifier
	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		logging.Error(component, "nats unavailable, settings changes stay local", "url", cfg.NatsURL, "error", err)
		natsBus = nil
	} else {
		defer natsBus.Close()
		notifier = natsBus
	}
	settings := configsvc.NewWithClient(client, notifier, cfg.SettingsSubject)

	s := newServer(serverDeps{
		client:        client,
		store:         store,
		ensurer:       indexes,
		allow:         allow,
		settings:      settings,
		bus:           natsBus,
		basePath:      cfg.BasePath,
		minCopies:     cfg.MinSuccessfulCopies,
		metrics:       infraMetrics.NewGatewayProm(metricsNamespace),
		policyMetrics: infraMetrics.NewProm(metricsNamespace),
	})

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	err = s.startSettingsSync(ctx, notifier != nil)
	cancel()
	if err != nil {
		return err
	}
	return startHTTPServer(s, cfg.HTTPAddr, cfg.MetricsAddr)
}

// startSettingsSync applies persisted allow-list settings over the static ones
// and, when a bus is available, follows later changes.
func (s *server) startSettingsSync(ctx context.Context, watch bool) error {
	if s.settings == nil {
		return nil
	}
	if _, err := s.settings.Sync(ctx, allowedActionsSetting, s.applyAllowedActions("stored")); err != nil {
		return fmt.Errorf("sync settings: %w", err)
	}
	if !watch {
		return nil
	}
	if err := s.settings.Watch(context.Background(), allowedActionsSetting, s.applyAllowedActions("notification")); err != nil {
		return fmt.Errorf("watch settings: %w", err)
	}
	return nil
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	item := s.basePath + "/{policyID}"
	mux.HandleFunc("PUT "+item, s.instrumented(item, s.handlePutPolicy))
	mux.HandleFunc("GET "+item, s.instrumented(item, s.handleGetPolicy))
	mux.HandleFunc("HEAD "+item, s.instrumented(item, s.handleHeadPolicy))
	// No id segment: the pipeline answers with its missing-id error.
	mux.HandleFunc("PUT "+s.basePath, s.instrumented(s.basePath, s.handlePutPolicy))
	mux.HandleFunc("PUT "+s.basePath+"/{$}", s.instrumented(s.basePath, s.handlePutPolicy))

	mux.HandleFunc("GET /api/v1/settings/allowed-actions", s.instrumented("/api/v1/settings/allowed-actions", s.handleGetAllowedActions))
	mux.HandleFunc("PUT /api/v1/settings/allowed-actions", s.instrumented("/api/v1/settings/allowed-actions", s.handlePutAllowedActions))

	return requestIDMiddleware(mux)
}

func startHTTPServer(s *server, httpAddr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	go func() {
		srv := &http.Server{
			Addr:         metricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logging.Info(component, "metrics listening", "addr", metricsAddr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(component, "metrics server error", "error", err)
		}
	}()

	logging.Info(component, "http listening", "addr", httpAddr, "base_path", s.basePath)
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Error(component, "http server error", "error", err)
		return err
	}
	return nil
}

type requestIDKey struct{}

// requestIDMiddleware tags every request and response with an id. A caller
// supplied id is kept.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}
