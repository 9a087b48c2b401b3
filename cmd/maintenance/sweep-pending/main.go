package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/config"
	"github.com/the-social-house/tsh-booking-sub000/internal/database"
	"github.com/the-social-house/tsh-booking-sub000/internal/services"
	"github.com/the-social-house/tsh-booking-sub000/pkg/mq"
	"github.com/the-social-house/tsh-booking-sub000/pkg/timeslot"
)

// Sweeps abandoned checkouts once: late payments are finalized, the rest rolled back.
func main() {
	var dbURLFlag string
	var olderThan time.Duration
	flag.StringVar(&dbURLFlag, "database-url", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	flag.DurationVar(&olderThan, "older-than", 0, "pending age before a checkout counts as abandoned (default BOOKING_PENDING_TTL)")
	flag.Parse()

	// Optional .env in the working directory
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("failed to read configuration: %v", err)
	}
	if dbURLFlag != "" {
		cfg.Database.URL = dbURLFlag
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is not set and -database-url was not provided")
	}
	if olderThan <= 0 {
		olderThan = cfg.Booking.PendingTTL
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	loc, err := cfg.Booking.Location()
	if err != nil {
		log.Fatalf("invalid booking timezone: %v", err)
	}
	policy := timeslot.NewPolicy(loc, cfg.Booking.OpeningHour, cfg.Booking.ClosingHour, cfg.Booking.BufferDuration())

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	var publisher services.EventPublisher = mq.NoopPublisher{}
	if cfg.Messaging.RabbitMQURL != "" {
		p, err := mq.NewPublisher(cfg.Messaging.RabbitMQURL, cfg.Messaging.Exchange)
		if err != nil {
			log.Fatalf("failed to connect to RabbitMQ: %v", err)
		}
		defer p.Close()
		publisher = p
	}

	bookings := database.NewBookingRepository(db.DB)
	users := database.NewUserRepository(db.DB)
	processor := services.NewProcessorClient(cfg.Payment, logger)
	rollback := services.NewRollbackService(bookings, users, publisher, logger)
	saga := services.NewPaymentSagaService(bookings, processor, rollback, services.NewAuditService(db), publisher, policy, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	fmt.Printf("Sweeping pending bookings older than %s...\n", olderThan)
	report, err := saga.ExpireAbandoned(ctx, olderThan)
	if err != nil {
		log.Fatalf("sweep failed: %v", err)
	}

	fmt.Printf("Examined:    %d\n", report.Examined)
	fmt.Printf("Finalized:   %d\n", report.Finalized)
	fmt.Printf("Rolled back: %d\n", report.RolledBack)
	fmt.Printf("Skipped:     %d\n", report.Skipped)
	fmt.Printf("Failed:      %d\n", report.Failed)

	if report.Failed > 0 {
		os.Exit(1)
	}
}
