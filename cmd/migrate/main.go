package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

func fatal(msg string, fields ...any) {
	logger.Error(msg, fields...)
	os.Exit(1)
}

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		fatal("DATABASE_URL is required")
	}

	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		fatal("connect", "err", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		fatal("ping", "err", err)
	}
	logger.Info("connected to database")

	if listOnly {
		rows, err := db.Query("SELECT tablename FROM pg_tables WHERE schemaname='public' AND tablename IN ('campaigns', 'campaign_recipients', 'email_log') ORDER BY tablename")
		if err != nil {
			fatal("list tables", "err", err)
		}
		defer rows.Close()
		n := 0
		for rows.Next() {
			var t string
			rows.Scan(&t)
			fmt.Println(" ", t)
			n++
		}
		fmt.Printf("Total: %d tables\n", n)
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		fatal("read migrations dir", "dir", dir, "err", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var okCount, errCount int
	for _, f := range files {
		path := filepath.Join(dir, f)
		data, err := os.ReadFile(path)
		if err != nil {
			fatal("read migration", "path", path, "err", err)
		}
		content := string(data)
		if strings.TrimSpace(content) == "" {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			logger.Error("begin migration", "file", f, "err", err)
			errCount++
			continue
		}
		if _, err := tx.Exec(content); err != nil {
			tx.Rollback()
			logger.Error("migration failed", "file", f, "err", err)
			errCount++
		} else {
			tx.Commit()
			logger.Info("migration applied", "file", f)
			okCount++
		}
	}
	logger.Info("migrations complete", "ok", okCount, "errors", errCount)
}
