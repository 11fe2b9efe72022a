package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Giftedx/crew-sub028/internal/budget"
	"github.com/Giftedx/crew-sub028/internal/config"
	"github.com/Giftedx/crew-sub028/internal/metrics"
	"github.com/Giftedx/crew-sub028/internal/registry"
	"github.com/Giftedx/crew-sub028/internal/resilience"
	"github.com/Giftedx/crew-sub028/internal/reward"
	"github.com/Giftedx/crew-sub028/internal/router"
	"github.com/Giftedx/crew-sub028/internal/semcache"
	"github.com/Giftedx/crew-sub028/internal/tenant"
	"github.com/Giftedx/crew-sub028/internal/wal"
	"github.com/Giftedx/crew-sub028/pkg/otel"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "adaptive-router",
		Short: "Adaptive LLM request router",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML (optional)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		otelCfg := otel.DefaultConfig("adaptive-router")
		otelCfg.CollectorEndpoint = endpoint
		tp, err := otel.InitTracer(ctx, otelCfg)
		if err != nil {
			log.Printf("tracing disabled: %v", err)
		} else {
			defer func() {
				if err := otel.Shutdown(context.Background(), tp); err != nil {
					log.Printf("tracer shutdown: %v", err)
				}
			}()
		}
	}

	spendStore, err := newSpendStore()
	if err != nil {
		return err
	}
	defer spendStore.Close()

	rewardStore, err := newRewardStore()
	if err != nil {
		return err
	}
	defer rewardStore.Close()

	var journal *wal.DecisionLog
	if dir := getEnv("DECISION_LOG_DIR", ""); dir != "" {
		journal, err = wal.NewDecisionLog(dir)
		if err != nil {
			return fmt.Errorf("decision log: %w", err)
		}
	}

	m := metrics.New()
	rt := router.New(cfg, router.Deps{
		Tenants:  tenant.NewManager(cfg),
		Registry: registry.New(router.PolicyFactory(cfg), cfg.StateDir, cfg.Defaults.Flags.EnablePersistence),
		Meter:    budget.NewMeter(spendStore),
		Breakers: resilience.NewBreakerSet(cfg.Breaker.MaxFailures, time.Duration(cfg.Breaker.ResetTimeoutSec)*time.Second),
		Retry: resilience.NewRetryPolicy(cfg.Retry.MaxAttempts,
			time.Duration(cfg.Retry.BaseDelayMs)*time.Millisecond,
			time.Duration(cfg.Retry.MaxDelayMs)*time.Millisecond, cfg.Seed),
		Cache: semcache.New(semcache.Config{
			MaxEntriesPerTenant: cfg.Cache.MaxEntriesPerTenant,
			TTL:                 time.Duration(cfg.Cache.TTLSec) * time.Second,
			Threshold:           cfg.Cache.Threshold,
			ShingleSize:         cfg.Cache.ShingleSize,
		}),
		Rewards:  rewardStore,
		Journal:  journal,
		Metrics:  m,
		Dispatch: newDispatcher(),
		Tracer:   otel.Tracer("router"),
	})
	defer func() {
		if err := rt.Close(); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/v1/select", handleSelect(rt))
	mux.HandleFunc("/v1/feedback", handleFeedback(rt))

	addr := ":" + getEnv("PORT", "8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newSpendStore() (budget.SpendStore, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return budget.NewMemorySpendStore(), nil
	}
	db, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	return budget.NewRedisSpendStore(addr, os.Getenv("REDIS_PASSWORD"), db)
}

func newRewardStore() (reward.Store, error) {
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		return reward.NewMemoryStore(10000), nil
	}
	return reward.NewPostgresStore(connStr)
}

// newDispatcher forwards to UPSTREAM_URL when configured and otherwise
// echoes, which keeps the full pipeline exercisable without a backend.
func newDispatcher() router.Dispatcher {
	upstream := os.Getenv("UPSTREAM_URL")
	if upstream == "" {
		return func(_ context.Context, model, _, prompt string) (router.DispatchResult, error) {
			return router.DispatchResult{Response: fmt.Sprintf("[%s] %s", model, prompt)}, nil
		}
	}

	client := &http.Client{Timeout: 60 * time.Second}
	return func(ctx context.Context, model, provider, prompt string) (router.DispatchResult, error) {
		body, err := json.Marshal(map[string]string{
			"model": model, "provider": provider, "prompt": prompt,
		})
		if err != nil {
			return router.DispatchResult{}, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstream, bytes.NewReader(body))
		if err != nil {
			return router.DispatchResult{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return router.DispatchResult{}, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return router.DispatchResult{}, err
		}
		if resp.StatusCode != http.StatusOK {
			return router.DispatchResult{}, fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(data))
		}

		var parsed struct {
			Response string  `json:"response"`
			CostUSD  float64 `json:"cost_usd"`
		}
		if err := json.Unmarshal(data, &parsed); err != nil {
			// Plain-text upstreams are fine.
			return router.DispatchResult{Response: string(data)}, nil
		}
		return router.DispatchResult{Response: parsed.Response, CostUSD: parsed.CostUSD}, nil
	}
}

type selectRequest struct {
	TenantID    string    `json:"tenant_id"`
	WorkspaceID string    `json:"workspace_id"`
	TaskType    string    `json:"task_type"`
	Candidates  []string  `json:"candidates,omitempty"`
	Features    []float64 `json:"features,omitempty"`
	Prompt      string    `json:"prompt"`
}

type feedbackRequest struct {
	TenantID    string  `json:"tenant_id"`
	WorkspaceID string  `json:"workspace_id"`
	Model       string  `json:"model"`
	CostUSD     float64 `json:"cost_usd"`
	LatencyMs   float64 `json:"latency_ms"`
	Quality     float64 `json:"quality"`
}

func handleSelect(rt *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req selectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		decision, err := rt.Route(r.Context(), router.Request{
			Tenant:          tenant.Context{TenantID: req.TenantID, WorkspaceID: req.WorkspaceID},
			TaskType:        req.TaskType,
			CandidateModels: req.Candidates,
			Features:        req.Features,
			Prompt:          req.Prompt,
		})
		if err != nil {
			writeRouteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)
	}
}

func handleFeedback(rt *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model == "" {
			http.Error(w, "model is required", http.StatusBadRequest)
			return
		}

		breakdown, err := rt.RecordOutcome(r.Context(),
			tenant.Context{TenantID: req.TenantID, WorkspaceID: req.WorkspaceID},
			req.Model,
			reward.Outcome{CostUSD: req.CostUSD, LatencyMs: req.LatencyMs},
			reward.Signals{Quality: req.Quality},
		)
		if err != nil {
			writeRouteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, breakdown)
	}
}

func writeRouteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var open *resilience.CircuitOpenError
	switch {
	case budget.IsBudgetError(err):
		status = http.StatusPaymentRequired
	case errors.As(err, &open):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", strconv.Itoa(int(open.RetryAfter.Seconds())+1))
	case errors.Is(err, tenant.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, tenant.ErrInvalidTenantID), errors.Is(err, router.ErrNoCandidates):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
