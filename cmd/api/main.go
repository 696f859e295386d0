package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/harvestbox/storefront/internal/config"
	"github.com/harvestbox/storefront/internal/httpx"
	kafkax "github.com/harvestbox/storefront/internal/kafka"
	"github.com/harvestbox/storefront/internal/orders"
	"github.com/harvestbox/storefront/internal/payment"
	"github.com/harvestbox/storefront/internal/postgres"
	"github.com/harvestbox/storefront/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Lifecycle event producers, one per topic
	pub := httpx.Publishers{
		Created: kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCreated, 1024),
		Paid:    kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPaid, 1024),
		Failed:  kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicPaymentFailed, 1024),
		Status:  kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicStatusChanged, 1024),
	}
	producers := []*kafkax.Producer{pub.Created, pub.Paid, pub.Failed, pub.Status}
	for _, p := range producers {
		p.Start(ctx)
	}

	// Payment provider
	gw := payment.NewClient(cfg.PaymentAPIBase, cfg.PaymentSecretKey, cfg.WebhookSecret)
	if !gw.Configured() {
		log.Printf("WARNING: payment secret key not set, checkout will return 503")
	}

	// Repo & handler
	repo := &orders.Repo{DB: db}
	router := httpx.NewRouter()
	h := &httpx.Handler{
		Orders:   repo,
		Gateway:  gw,
		Verifier: gw,
		Redis:    rdb,
		Dedup:    &redisx.Deduper{RDB: rdb},
		Pub:      pub,
		Service:  cfg.ServiceName,
		Currency: cfg.Currency,
	}
	h.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	for _, p := range producers {
		p.Close() // stop intake, flush remainder
	}
	for _, p := range producers {
		p.WaitClosed()
	}
}
