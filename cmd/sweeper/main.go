package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/harvestbox/storefront/internal/config"
	kafkax "github.com/harvestbox/storefront/internal/kafka"
	"github.com/harvestbox/storefront/internal/orders"
	"github.com/harvestbox/storefront/internal/payment"
	"github.com/harvestbox/storefront/internal/postgres"
)

// The sweeper runs as its own process so a stalled provider can never slow
// down request handling. It shares nothing with the API beyond the database.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	gw := payment.NewClient(cfg.PaymentAPIBase, cfg.PaymentSecretKey, cfg.WebhookSecret)
	if !gw.Configured() {
		log.Fatalf("payment secret key not set, nothing to reconcile against")
	}

	// The producer gets its own lifetime: the sweeper must finish its last
	// pass (and its last publish) before the flush starts.
	pPaid := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPaid, 256)
	pPaid.Start(context.Background())

	repo := &orders.Repo{DB: db}
	sw := &payment.Sweeper{
		Orders:   repo,
		Gateway:  gw,
		Interval: cfg.SweepInterval,
		Lookback: cfg.SweepLookback,
		OnRecovered: func(orderID string, it payment.Intent) {
			publishRecovered(pPaid, cfg.ServiceName+"-sweeper", orderID, it)
		},
	}

	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down sweeper...")
	cancel()
	<-done
	pPaid.Close()
	pPaid.WaitClosed()
}

func publishRecovered(p *kafkax.Producer, producer, orderID string, it payment.Intent) {
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderPaid,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload: kafkax.MustMarshal(orders.OrderPaidPayload{
			OrderID:     orderID,
			PaymentRef:  it.ID,
			AmountCents: it.AmountCents,
			Currency:    it.Currency,
			UserEmail:   it.ReceiptEmail,
			Recovered:   true,
		}),
	}
	p.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev))
}
