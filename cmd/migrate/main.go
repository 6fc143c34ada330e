// Command migrate applies or rolls back Weaver's database schema. The SQL
// ships embedded in the binary; -path switches to an on-disk directory when
// operators override the bundled migrations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/5TFG4/Weaver-sub002/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", "", "PostgreSQL DSN (defaults to WEAVER_DATABASE_URL)")
		dir     = flag.String("path", "", "Directory containing SQL migrations (default: embedded)")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv("WEAVER_DATABASE_URL"))
	}
	if target == "" {
		return errors.New("-database flag or WEAVER_DATABASE_URL is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "weaver-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		if strings.TrimSpace(*dir) == "" {
			return migrations.Apply(ctx, target, logger)
		}
		return migrations.ApplyDir(ctx, target, *dir, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		if strings.TrimSpace(*dir) == "" {
			return migrations.Rollback(ctx, target, steps, logger)
		}
		return migrations.RollbackDir(ctx, target, *dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
