package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantumaikr/exlm-app/internal/catalog"
	"github.com/quantumaikr/exlm-app/internal/config"
	"github.com/quantumaikr/exlm-app/internal/db"
	"github.com/quantumaikr/exlm-app/internal/httpapi"
	"github.com/quantumaikr/exlm-app/internal/models"
	"github.com/quantumaikr/exlm-app/internal/notify"
	"github.com/quantumaikr/exlm-app/internal/store/rabbitmq"
	"github.com/quantumaikr/exlm-app/internal/store/redisstore"
	"github.com/quantumaikr/exlm-app/internal/training"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(&models.User{}, &catalog.Model{}, &catalog.Dataset{}, &training.Job{}); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer pub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := notify.NewHub()
	go notify.RunBridge(ctx, hub, rds)

	repo := training.NewRepo(gdb, cfg.JobLogRetention)
	cat := catalog.NewRepo(gdb)
	validator := training.NewValidator(cfg.DataDir)
	sync := training.NewSynchronizer(repo, cat, notify.RedisPublisher{Store: rds}, rds)
	svc := training.NewService(repo, cat, validator, pub, sync, rds, cfg.ModelsDir)

	router := httpapi.NewRouter(gdb, cfg, svc, hub)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		log.Printf("api listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("api shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
