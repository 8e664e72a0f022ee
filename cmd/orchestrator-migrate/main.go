// Command orchestrator-migrate copies job records out of a local
// BoltDB store into a Postgres store, for operators moving a
// single-process deployment onto a shared relational job table
// (spec.md 3.3, 4.C). It backs up the BoltDB file before writing
// anything unless run with --dry-run.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/neuroinsight/orchestrator/pkg/jobstore"
)

var (
	dataDir     = flag.String("data-dir", "./data", "Source BoltDB data directory")
	databaseURL = flag.String("database-url", "", "Target Postgres DATABASE_URL (postgres://...)")
	dryRun      = flag.Bool("dry-run", false, "Show what would be migrated without writing to Postgres")
	backupPath  = flag.String("backup", "", "Path to back up the BoltDB file before migration (default: <data-dir>/orchestrator.db.backup)")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Job store migration tool - BoltDB -> Postgres")
	log.Println("==============================================")

	if *databaseURL == "" {
		log.Fatal("--database-url is required")
	}

	dbPath := filepath.Join(*dataDir, "orchestrator.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("BoltDB database not found at %s", dbPath)
	}
	log.Printf("Source: %s", dbPath)
	log.Printf("Target: %s", *databaseURL)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("backup created successfully")
	}

	source, err := jobstore.NewBoltStore(*dataDir)
	if err != nil {
		log.Fatalf("Failed to open source BoltDB store: %v", err)
	}
	defer source.Close()

	jobs, err := source.ListJobs()
	if err != nil {
		log.Fatalf("Failed to list jobs: %v", err)
	}
	log.Printf("Found %d job(s) to migrate", len(jobs))

	if *dryRun {
		log.Println("[DRY RUN] Would write the above jobs to Postgres. No changes made.")
		return
	}

	target, err := jobstore.NewPostgresStore(*databaseURL)
	if err != nil {
		log.Fatalf("Failed to open target Postgres store: %v", err)
	}
	defer target.Close()

	migrated := 0
	for _, job := range jobs {
		if err := target.UpdateJob(job); err != nil {
			log.Fatalf("Failed to migrate job %s: %v", job.ID, err)
		}
		migrated++
		if migrated%25 == 0 {
			log.Printf("  migrated %d/%d...", migrated, len(jobs))
		}
	}

	log.Printf("Migrated %d/%d jobs to Postgres", migrated, len(jobs))
	fmt.Println("Migration completed successfully.")
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}
