// Command migrate runs goose migrations against VENDING_POSTGRES_DSN.
//
//	go run ./cmd/migrate up
//	go run ./cmd/migrate status
//	go run ./cmd/migrate down
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/warp/vending-engine/config"
	"github.com/warp/vending-engine/store/postgres"
)

func main() {
	dsnFlag := flag.String("dsn", "", "PostgreSQL DSN (overrides VENDING_POSTGRES_DSN)")
	flag.Parse()
	args := flag.Args()

	if len(args) < 1 {
		fmt.Println("Error: migration command is required")
		fmt.Println("Usage: go run ./cmd/migrate [-dsn DSN] [command] [args]")
		fmt.Println("Commands: up, down, status, redo, reset, version")
		os.Exit(1)
	}

	dsn := *dsnFlag
	if dsn == "" {
		cfg, err := config.New()
		if err != nil {
			log.Fatalf("Config error: %v", err)
		}
		dsn = cfg.PostgresDSN
	}
	if dsn == "" {
		log.Fatal("VENDING_POSTGRES_DSN or -dsn is required")
	}

	command := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	log.Printf("Starting migration: %s", command)
	if err := postgres.RunMigrations(ctx, dsn, command, args[1:]...); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Printf("Migration %s completed", command)
}
