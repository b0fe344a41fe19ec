// Command flushtokens deletes expired refresh tokens from the outstanding
// ledger and the blacklist. Meant to run from cron.
package main

import (
	"context"
	"log"
	"time"

	"github.com/ruslanways/postways-v2/internal/config"
	"github.com/ruslanways/postways-v2/internal/database"
	"github.com/ruslanways/postways-v2/internal/repository"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.ConnectWithOptions(cfg, database.ConnectOptions{SkipSchema: true})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := repository.NewTokenRepository(db).FlushExpired(ctx)
	if err != nil {
		log.Fatalf("Flush failed: %v", err)
	}
	log.Printf("flushed %d expired tokens", removed)
}
