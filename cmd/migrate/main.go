// Command migrate manages the postgres schema of Atlas. It applies the
// migrations embedded in the binary unless -path points at a directory.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/globus/atlas/internal/infrastructure/config"
	"github.com/globus/atlas/internal/infrastructure/logger"
	"github.com/globus/atlas/internal/infrastructure/migration"
	"github.com/globus/atlas/migrations"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const defaultMigrationsDir = "migrations"

var errUsage = errors.New("usage")

// env is what a command runs against. Migrator is nil for offline commands.
type env struct {
	log      *zap.Logger
	source   fs.FS
	dir      string
	args     []string
	migrator *migration.Migrator
}

type command struct {
	usage   string
	help    string
	minArgs int
	offline bool
	run     func(e *env) error
}

var commands = map[string]command{
	"up": {
		help: "Apply all pending migrations",
		run:  func(e *env) error { return e.migrator.Up() },
	},
	"down": {
		help: "Roll back all migrations",
		run:  func(e *env) error { return e.migrator.Down() },
	},
	"step": {
		usage: "<n>", help: "Apply n migrations, negative n rolls back", minArgs: 1,
		run: func(e *env) error {
			n, err := intArg(e.args[0])
			if err != nil {
				return err
			}
			return e.migrator.Steps(n)
		},
	},
	"version": {
		help: "Show the applied version",
		run: func(e *env) error {
			version, dirty, err := e.migrator.Version()
			if err != nil {
				return err
			}
			if version == 0 {
				e.log.Info("No migrations applied")
				return nil
			}
			e.log.Info("Schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
			return nil
		},
	},
	"force": {
		usage: "<version>", help: "Mark a version as applied without running it", minArgs: 1,
		run: func(e *env) error {
			v, err := intArg(e.args[0])
			if err != nil {
				return err
			}
			return e.migrator.Force(v)
		},
	},
	"create": {
		usage: "<name> [description]", help: "Write a new up/down file pair", minArgs: 1, offline: true,
		run: func(e *env) error {
			description := ""
			if len(e.args) > 1 {
				description = strings.Join(e.args[1:], " ")
			}
			mf, err := migration.CreateMigration(e.dir, e.args[0], description)
			if err != nil {
				return err
			}
			e.log.Info("Migration created",
				zap.String("version", mf.Version),
				zap.String("up", mf.UpPath),
				zap.String("down", mf.DownPath),
			)
			return nil
		},
	},
	"list": {
		help: "List migrations and check every one has both files", offline: true,
		run: func(e *env) error {
			names, err := migration.ListMigrations(e.source)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return migration.Validate(e.source)
		},
	},
}

func main() {
	path := flag.String("path", "", "read migrations from this directory instead of the embedded set")
	level := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Usage = usage
	flag.Parse()

	if err := run(flag.Args(), *path, *level); err != nil {
		if errors.Is(err, errUsage) {
			usage()
		} else {
			fmt.Fprintln(os.Stderr, "migrate:", err)
		}
		os.Exit(1)
	}
}

func run(args []string, path, level string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok || len(args)-1 < cmd.minArgs {
		return errUsage
	}

	log, err := logger.New(&logger.Config{Level: level, Format: "console", Service: "atlas-migrate"})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync(log) }()

	e := &env{log: log, source: migrations.FS, dir: defaultMigrationsDir, args: args[1:]}
	if path != "" {
		e.source = os.DirFS(path)
		e.dir = path
	}
	if cmd.offline {
		return cmd.run(e)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("driver %q has no migrations, sqlite is migrated by the server on startup", cfg.Database.Driver)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	e.migrator, err = migration.New(db, e.source, log)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer e.migrator.Close()

	log.Info("Running migration command", zap.String("command", args[0]), zap.String("host", cfg.Database.Host))
	return cmd.run(e)
}

func intArg(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	return n, nil
}

func usage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "Usage: migrate [flags] <command> [arguments]")
	fmt.Fprintln(out, "\nCommands:")
	for _, name := range names {
		c := commands[name]
		fmt.Fprintf(out, "  %-28s %s\n", strings.TrimSpace(name+" "+c.usage), c.help)
	}
	fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
	fmt.Fprintln(out, "\nDatabase settings come from config.toml or ATLAS_DATABASE_* variables.")
}
