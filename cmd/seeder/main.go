package main

import (
	"os"

	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/db"
)

func main() {
	config.Load()
	log := config.NewLogger()

	conn, err := db.Open(log)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	seedFiles := []string{
		"schema.sql",
		"seed/sending_servers.sql",
		"seed/subscribers.sql",
		"seed/campaigns.sql",
	}

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatalf("failed to read %s: %v", file, err)
		}

		if _, err = conn.Exec(string(content)); err != nil {
			log.Fatalf("failed to execute %s: %v", file, err)
		}
		log.WithField("file", file).Info("seeded")
	}

	log.Info("database seeding completed successfully")
}
