package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"mudun.org/internal/httpapi"
	"mudun.org/internal/obs"
	"mudun.org/internal/rbac"
	"mudun.org/internal/store/pg"
)

var version = "0.3.1"

func main() {
	obs.Init()

	dsn := os.Getenv("MUDUN_PG_DSN")
	if dsn == "" {
		log.Fatal("MUDUN_PG_DSN is required")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	svc, err := rbac.NewService(store, store)
	if err != nil {
		log.Fatalf("rbac service: %v", err)
	}

	var apiOpts []httpapi.Option
	if secret := os.Getenv("MUDUN_AUTH_SECRET"); secret != "" {
		apiOpts = append(apiOpts, httpapi.WithAuthSecret([]byte(secret)))
	} else {
		log.Print("MUDUN_AUTH_SECRET not set; trusting X-Actor-ID (development mode)")
	}
	api := httpapi.New(svc, httpapi.ReadyProbe{DB: store.DB()}, version, apiOpts...)

	// Time-driven work: delegation status sweep plus the nightly audit.
	scheduler := cron.New()
	sweepSpec := envOr("MUDUN_SWEEP_SPEC", "* * * * *")
	if _, err := scheduler.AddFunc(sweepSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		activated, expired, err := svc.SweepDelegations(ctx)
		if err != nil {
			obs.LogRequest(map[string]any{"level": "error", "msg": "delegation sweep failed", "error": err.Error()})
			return
		}
		if activated > 0 || expired > 0 {
			obs.LogRequest(map[string]any{"msg": "delegation sweep", "activated": activated, "expired": expired})
		}
	}); err != nil {
		log.Fatalf("schedule sweep: %v", err)
	}
	auditSpec := envOr("MUDUN_AUDIT_SPEC", "0 3 * * *")
	if _, err := scheduler.AddFunc(auditSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		audit, err := svc.RunScheduledAudit(ctx, "")
		if err != nil {
			obs.LogRequest(map[string]any{"level": "error", "msg": "scheduled audit failed", "error": err.Error()})
			return
		}
		obs.LogRequest(map[string]any{"msg": "scheduled audit", "score": audit.Score, "findings": len(audit.Findings)})
	}); err != nil {
		log.Fatalf("schedule audit: %v", err)
	}
	scheduler.Start()

	srv := &http.Server{
		Addr:              envOr("MUDUN_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting mudun-rbac-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	<-scheduler.Stop().Done()
	_ = srv.Shutdown(ctx)
	_ = store.Close()
	log.Println("Stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
