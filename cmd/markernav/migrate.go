package main

import (
	"fmt"
	"log"
	"os"

	"github.com/banshee-data/position.report/internal/marker/storage/sqlite"
)

// runMigrateCommand handles the 'migrate' subcommand dispatching.
func runMigrateCommand(args []string, dbPath, migrationsDir string) {
	if len(args) < 1 {
		printMigrateHelp()
		os.Exit(1)
	}

	action := args[0]
	if action == "help" {
		printMigrateHelp()
		return
	}

	// Open without the embedded schema: the migrations manage it.
	store, err := sqlite.OpenBare(dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	switch action {
	case "up":
		log.Printf("running migrations...")
		if err := store.MigrateUp(migrationsDir); err != nil {
			log.Fatalf("migration up failed: %v", err)
		}
		logMigrateVersion(store, migrationsDir)

	case "down":
		log.Printf("rolling back one migration...")
		if err := store.MigrateDown(migrationsDir); err != nil {
			log.Fatalf("migration down failed: %v", err)
		}
		logMigrateVersion(store, migrationsDir)

	case "version":
		logMigrateVersion(store, migrationsDir)

	default:
		fmt.Printf("unknown migrate action: %s\n\n", action)
		printMigrateHelp()
		os.Exit(1)
	}
}

func logMigrateVersion(store *sqlite.Store, migrationsDir string) {
	version, dirty, err := store.MigrateVersion(migrationsDir)
	if err != nil {
		log.Fatalf("failed to get migration version: %v", err)
	}
	log.Printf("current version: %d (dirty: %v)", version, dirty)
}

func printMigrateHelp() {
	fmt.Println("Database Migration Commands")
	fmt.Println()
	fmt.Println("Usage: markernav [-db <path>] [-migrations <dir>] migrate <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up         Apply all pending migrations")
	fmt.Println("  down       Roll back one migration")
	fmt.Println("  version    Show current schema version and dirty state")
	fmt.Println("  help       Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  markernav -db markers.db migrate up")
	fmt.Println("  markernav -db markers.db migrate version")
}
