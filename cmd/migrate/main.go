// Command migrate applies or reverts the embedded schema migrations.
package main

import (
	"flag"
	"log"

	"sessiongate/cmd/internal/app"
	"sessiongate/cmd/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	dir, err := migrate.ParseDirection(*direction)
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}
	if err := migrate.Run(cfg.DatabaseURL, dir); err != nil {
		log.Fatalf("migrate %s: %v", dir, err)
	}
	log.Printf("migrate %s: done", dir)
}
