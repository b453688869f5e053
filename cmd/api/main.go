package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"authplane.org/internal/audit"
	"authplane.org/internal/authz"
	"authplane.org/internal/httpapi"
	"authplane.org/internal/obs"
	"authplane.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("AUTHPLANE_PG_DSN")
	if dsn == "" {
		log.Fatal("missing DSN: set AUTHPLANE_PG_DSN")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	ledger := audit.NewLedger(store)
	rbac, err := authz.NewRBACService(store)
	if err != nil {
		log.Fatalf("rbac service: %v", err)
	}
	policies, err := authz.NewPolicyService(store, store)
	if err != nil {
		log.Fatalf("policy service: %v", err)
	}
	evaluator, err := authz.NewEvaluator(store, store, ledger)
	if err != nil {
		log.Fatalf("evaluator: %v", err)
	}
	var wfOpts []authz.WorkflowOption
	if hours := envInt("AUTHPLANE_REQUEST_TTL_HOURS"); hours > 0 {
		wfOpts = append(wfOpts, authz.WithRequestTTL(time.Duration(hours)*time.Hour))
	}
	workflow, err := authz.NewWorkflow(store, store, wfOpts...)
	if err != nil {
		log.Fatalf("workflow: %v", err)
	}

	api := httpapi.New(httpapi.Config{
		ReadyProbe: httpapi.ReadyProbe{DB: store.DB()},
		Version:    version,
		RBAC:       rbac,
		Policies:   policies,
		Evaluator:  evaluator,
		Workflow:   workflow,
		Ledger:     ledger,
	})

	addr := os.Getenv("AUTHPLANE_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// background sweep for requests that outlived their deadline
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sweepExpired(sweepCtx, workflow)

	log.Printf("Starting authplane-api %s on %s", version, srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

func sweepExpired(ctx context.Context, workflow *authz.Workflow) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := workflow.ExpireDue(ctx)
			if err != nil {
				obs.LogEvent("request_sweep_failed", map[string]any{"error": err.Error()})
				continue
			}
			if n > 0 {
				obs.LogEvent("requests_expired", map[string]any{"count": n})
			}
		}
	}
}

func envInt(key string) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return v
}
