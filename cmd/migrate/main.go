package main

import (
	"flag"
	"log"
	"os"

	"folio-service/internal/db/migrate"

	"github.com/joho/godotenv"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on system env vars")
	}

	dsn := os.Getenv("DATABASE_URL")
	if err := migrate.Run(dsn, *direction); err != nil {
		log.Fatalf("migration %s failed: %v", *direction, err)
	}
	log.Printf("migration %s complete", *direction)
}
