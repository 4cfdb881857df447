package main

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

func main() {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		envOr("DB_USER", "authz"),
		os.Getenv("DB_PASSWORD"),
		envOr("DB_HOST", "localhost"),
		envOr("DB_PORT", "5432"),
		envOr("DB_NAME", "authz"),
		envOr("DB_SSLMODE", "disable"),
	)

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		log.Fatalln(err)
	}

	dir := envOr("MIGRATIONS_DIR", "db/migrations")
	files, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("reading migrations directory: %v", err)
	}

	var migrations []string
	for _, f := range files {
		if strings.HasSuffix(f.Name(), ".up.sql") {
			migrations = append(migrations, f.Name())
		}
	}
	sort.Strings(migrations)

	for _, filename := range migrations {
		content, err := os.ReadFile(dir + "/" + filename)
		if err != nil {
			log.Fatalf("reading %s: %v", filename, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			log.Fatalf("applying %s: %v", filename, err)
		}
		fmt.Printf("applied %s\n", filename)
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
