package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
	"github.com/oarkflow/abac/middleware"
	"github.com/oarkflow/abac/stores"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	dbPath := flag.String("db", "abac.db", "sqlite database file")
	configPath := flag.String("config", "", "optional YAML/JSON policy configuration to apply at startup")
	refresh := flag.Duration("refresh", 30*time.Second, "policy cache refresh interval")
	level := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	log := logger.LevelFilter(logger.NewPhusluLogger(), logger.ParseLevel(*level))
	if err := run(*addr, *dbPath, *configPath, *refresh, log); err != nil {
		log.Error("abac-server stopped", "error", err)
		os.Exit(1)
	}
}

func run(addr, dbPath, configPath string, refresh time.Duration, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	db := squealx.NewDb(sqlDB, "sqlite", "abac")
	if err := stores.Migrate(db); err != nil {
		return err
	}

	metrics := abac.NewMetrics("abac")
	engine, err := abac.NewEngine(stores.NewSQLPolicyStore(db),
		abac.WithLogger(log),
		abac.WithMetrics(metrics),
		abac.WithDenialSink(stores.NewSQLDenialStore(db)),
	)
	if err != nil {
		return err
	}
	defer engine.Close(context.Background())

	if _, err := engine.InitializeAllCorePolicies(ctx); err != nil {
		return err
	}
	if configPath != "" {
		cfg, err := abac.NewConfigLoader().LoadFile(configPath)
		if err != nil {
			return err
		}
		if err := engine.ApplyConfig(ctx, cfg); err != nil {
			return err
		}
	}

	refresher, err := abac.NewRefresher(engine.Cache(), abac.WithRefreshInterval(refresh), abac.WithRefresherLogger(logger.With(log, "component", "refresher")))
	if err != nil {
		return err
	}
	refresher.Start(ctx)
	defer refresher.Stop(context.Background())

	guard := middleware.NewHTTPMiddleware(middleware.HTTPOptions{
		Engine: engine,
		Logger: logger.With(log, "component", "http"),
		Routes: []middleware.Route{
			{Pattern: "GET /tenants/:tenant/invoices/:id", ResourceType: "invoice", Action: "read", TenantParam: "tenant"},
			{Pattern: "POST /tenants/:tenant/payouts", ResourceType: "payout", Action: "payout", TenantParam: "tenant"},
		},
	})

	mux := http.NewServeMux()
	mux.Handle("/tenants/", guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, _ := middleware.ResultFromContext(r.Context())
		writeJSON(w, http.StatusOK, res)
	})))
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/admin/statistics", func(w http.ResponseWriter, r *http.Request) {
		stats, err := engine.GetStatistics(r.Context(), abac.StatisticsOptions{TenantID: r.URL.Query().Get("tenant")})
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})
	mux.HandleFunc("/admin/evaluate", func(w http.ResponseWriter, r *http.Request) {
		var req abac.TestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		res, err := engine.TestRequest(r.Context(), &req)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("abac-server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
