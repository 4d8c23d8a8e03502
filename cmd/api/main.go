package main

import (
	"context"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"escrowflow/archive"
	"escrowflow/contract"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/gateway"
	"escrowflow/notify"
	"escrowflow/payment"
	"escrowflow/schedule"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	ctx := context.Background()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	archiveKey, err := hex.DecodeString(os.Getenv("ARCHIVE_KEY"))
	if err != nil {
		log.Fatalf("decode ARCHIVE_KEY: %v", err)
	}
	signingSecret := os.Getenv("SIGNING_SECRET")
	if signingSecret == "" {
		log.Fatal("SIGNING_SECRET environment variable not set")
	}

	blobRoot := os.Getenv("ARCHIVE_DIR")
	if blobRoot == "" {
		blobRoot = "./data/archive"
	}
	blobs, err := archive.NewDirStore(blobRoot)
	if err != nil {
		log.Fatalf("bootstrap archive storage: %v", err)
	}
	archiveSvc, err := archive.NewService(archive.Config{Key: archiveKey}, blobs)
	if err != nil {
		log.Fatalf("bootstrap archive service: %v", err)
	}
	vault := archive.NewVault(blobs)
	auditor := archive.NewAuditor(pool, archiveSvc)

	dispatcher := &notify.Outbox{Pool: pool}
	scheduler := schedule.NewScheduler(pool)

	paymentRepo := payment.NewRepository(pool)
	disputeRepo := dispute.NewRepository(pool)
	ledger := payment.NewLedger(pool, paymentRepo, disputeRepo, dispatcher)
	paymentSvc := payment.NewService(pool, paymentRepo)
	disputeSvc := dispute.NewService(pool, disputeRepo, ledger)

	issuer := contract.NewChallengeIssuer(signingSecret)
	contractRepo := contract.NewRepository(pool)
	contractSvc := contract.NewService(pool, contractRepo, issuer, nil, archiveSvc, vault, scheduler, dispatcher)

	adapter := gateway.NewAdapter(pool, gateway.NewKeyRepository(), gateway.NewRegistry(), ledger, scheduler)

	sweepInterval := time.Minute
	if raw := os.Getenv("SWEEP_INTERVAL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("parse SWEEP_INTERVAL: %v", err)
		}
		sweepInterval = parsed
	}
	sweeper := schedule.NewSweeper(pool, ledger, contractSvc)
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweeper.Run(sweepCtx, sweepInterval)

	server := &Server{
		payments:  paymentSvc,
		ledger:    ledger,
		webhooks:  adapter,
		contracts: contractSvc,
		disputes:  disputeSvc,
		auditor:   auditor,
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("api listening on %s", addr)
	if err := http.ListenAndServe(addr, server.Router()); err != nil {
		log.Fatalf("http server: %v", err)
	}
}
