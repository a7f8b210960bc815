package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir = flag.String("data-dir", "./zane-data", "Zane data directory")
	outPath = flag.String("out", "", "Backup destination (default: <data-dir>/zane.db.backup-<timestamp>)")
	inspect = flag.Bool("inspect", false, "Print entity counts without writing a backup")
)

// zane-backup snapshots the control plane database. It takes the same
// file lock as the server, so stop the server first.
func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Println("Zane Database Backup Tool")
	log.Println("=========================")

	dbPath := filepath.Join(*dataDir, "zane.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}
	log.Printf("Database: %s", dbPath)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		log.Fatalf("Failed to open database (is the server running?): %v", err)
	}
	defer db.Close()

	if err := printCounts(db); err != nil {
		log.Fatalf("Failed to read database: %v", err)
	}

	if *inspect {
		log.Println("\nInspect mode: no backup written.")
		return
	}

	dest := *outPath
	if dest == "" {
		dest = fmt.Sprintf("%s.backup-%s", dbPath, time.Now().UTC().Format("20060102T150405Z"))
	}

	size, err := writeBackup(db, dest)
	if err != nil {
		log.Fatalf("Backup failed: %v", err)
	}

	log.Printf("\n✓ Backup written: %s (%d bytes)", dest, size)
	log.Println("Restore by stopping the server and replacing zane.db with the backup file.")
}

// printCounts reports per-bucket record counts from one read
// transaction, so the numbers describe a single consistent snapshot.
func printCounts(db *bolt.DB) error {
	buckets := []string{
		"projects",
		"environments",
		"services",
		"changes",
		"deployments",
		"git_apps",
		"preview_templates",
	}

	return db.View(func(tx *bolt.Tx) error {
		log.Println("\nEntity counts:")
		for _, name := range buckets {
			b := tx.Bucket([]byte(name))
			if b == nil {
				log.Printf("  %-18s (missing)", name)
				continue
			}
			log.Printf("  %-18s %d", name, b.Stats().KeyN)
		}
		return nil
	})
}

// writeBackup streams a consistent copy of the database to dest using
// bbolt's transaction snapshot.
func writeBackup(db *bolt.DB, dest string) (int64, error) {
	if dir := filepath.Dir(dest); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("create destination dir: %w", err)
		}
	}

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return 0, err
	}

	var written int64
	err = db.View(func(tx *bolt.Tx) error {
		n, err := tx.WriteTo(f)
		written = n
		return err
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return 0, err
	}
	return written, nil
}
