package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/harvestbox/storefront/internal/config"
	kafkax "github.com/harvestbox/storefront/internal/kafka"
	"github.com/harvestbox/storefront/internal/orders"
	"github.com/harvestbox/storefront/internal/redisx"
)

// The notifier consumes order.paid events and sends the payment confirmation
// to the customer. Delivery itself goes through the mail collaborator; here
// it is the log boundary.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	ded := &redisx.Deduper{RDB: rdb}

	group := getenv("NOTIFIER_GROUP", "notifier-svc")
	workers := mustAtoi(os.Getenv("NOTIFIER_WORKERS"), "4")
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicOrderPaid, workers)

	handler := func(ctx context.Context, m kafkago.Message) error {
		var env orders.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			return err
		}
		if env.EventType != orders.EventOrderPaid {
			return nil
		}

		// Dedup on event id: webhook and sweeper may both announce the same
		// payment. Remembered only after the notification went out, so a
		// failed send is retried on the next delivery.
		if ded.Seen(ctx, "notifier", env.EventID) {
			return nil
		}

		p, err := kafkax.UnwrapPayload[orders.OrderPaidPayload](env.Payload)
		if err != nil {
			return err
		}
		if p.UserEmail == "" || p.UserEmail == "guest" {
			ded.Remember(ctx, "notifier", env.EventID)
			return nil
		}
		log.Printf("notify %s: order %s paid (%d %s, ref=%s, recovered=%v)",
			p.UserEmail, p.OrderID, p.AmountCents, p.Currency, p.PaymentRef, p.Recovered)
		ded.Remember(ctx, "notifier", env.EventID)
		return nil
	}

	go func() {
		log.Printf("notifier consumer started: group=%s topic=%s workers=%d", group, orders.TopicOrderPaid, workers)
		if err := cons.Start(ctx, handler); err != nil {
			log.Printf("consumer exit: %v", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Println("shutting down notifier...")
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}
