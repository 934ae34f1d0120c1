// Command edge-migrate applies any pending schema migrations to an edge
// gateway's SQLite database, taking a backup first.
package main

import (
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"os"

	edgelog "github.com/cuemby/scale-edge/internal/log"
	"github.com/cuemby/scale-edge/internal/store"
)

var (
	dbPath     = flag.String("db-path", "data/edge.db", "Path to the edge SQLite database")
	dryRun     = flag.Bool("dry-run", false, "Apply migrations to a temporary copy and report the resulting schema version, leaving the database unchanged")
	backupPath = flag.String("backup", "", "Path to back up the database to before migrating (default: <db-path>.backup)")
)

func main() {
	flag.Parse()

	logger := stdlog.New(os.Stdout, "", stdlog.LstdFlags)
	logger.Println("edge-migrate")
	logger.Println("============")

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		logger.Fatalf("database not found at %s", *dbPath)
	}

	logger.Printf("database: %s", *dbPath)
	logger.Printf("dry run: %v", *dryRun)

	if *dryRun {
		tmp, err := os.CreateTemp("", "edge-migrate-dry-run-*.db")
		if err != nil {
			logger.Fatalf("failed to create temporary copy: %v", err)
		}
		tmpPath := tmp.Name()
		tmp.Close()
		defer os.Remove(tmpPath)
		if err := copyFile(*dbPath, tmpPath); err != nil {
			logger.Fatalf("failed to copy database: %v", err)
		}
		st, err := store.Open(tmpPath, edgelog.Logger)
		if err != nil {
			logger.Fatalf("failed to open database copy: %v", err)
		}
		defer st.Close()
		version, err := st.SchemaVersion()
		if err != nil {
			logger.Fatalf("failed to read schema version: %v", err)
		}
		logger.Printf("schema version after migrating a temporary copy: %d", version)
		logger.Println("dry run complete, no changes made")
		return
	}

	backupFile := *backupPath
	if backupFile == "" {
		backupFile = *dbPath + ".backup"
	}
	logger.Printf("creating backup: %s", backupFile)
	if err := copyFile(*dbPath, backupFile); err != nil {
		logger.Fatalf("failed to create backup: %v", err)
	}
	logger.Println("backup created")

	// store.Open applies every pending migration as a side effect of
	// opening the connection (internal/store/sqlite.go's migrate()).
	st, err := store.Open(*dbPath, edgelog.Logger)
	if err != nil {
		logger.Fatalf("migration failed: %v", err)
	}
	defer st.Close()

	version, err := st.SchemaVersion()
	if err != nil {
		logger.Fatalf("failed to read schema version after migration: %v", err)
	}
	logger.Printf("migration complete, schema now at version %d", version)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return out.Sync()
}
