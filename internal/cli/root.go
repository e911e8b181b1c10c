// Package cli implements carequeuectl, the admin command line for the task queue.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"carequeue/internal/clinic"
	"carequeue/internal/config"
	"carequeue/internal/db"
	"carequeue/internal/handlers"
	"carequeue/internal/logging"
	"carequeue/internal/queue"
	"carequeue/internal/worker"
)

type app struct {
	out      io.Writer
	dbPath   string
	dbDriver string
	verbose  bool

	cfg   *config.Config
	conn  *db.DB
	tasks queue.Repository
}

// NewRootCmd builds the command tree writing to out.
func NewRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:           "carequeuectl",
		Short:         "Inspect and operate the clinic task queue.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.conn != nil {
				return a.conn.Close()
			}
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite path or Postgres DSN (default $CAREQUEUE_DB_DSN)")
	root.PersistentFlags().StringVar(&a.dbDriver, "db-driver", "", "sqlite or postgres (default $CAREQUEUE_DB_DRIVER)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log task processing")

	root.AddCommand(
		a.statusCmd(),
		a.listCmd(),
		a.showCmd(),
		a.attemptsCmd(),
		a.processCmd(),
		a.requeueCmd(),
		a.purgeCmd(),
	)
	return root
}

// Execute runs carequeuectl against os.Args.
func Execute() {
	root := NewRootCmd(os.Stdout)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (a *app) open(ctx context.Context) error {
	if a.conn != nil {
		return nil
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.DBDSN = a.dbPath
	}
	if a.dbDriver != "" {
		cfg.DBDriver = a.dbDriver
	}
	conn, err := db.Open(ctx, db.Dialect(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		return err
	}
	if err := queue.EnsureSchema(ctx, conn); err != nil {
		conn.Close()
		return err
	}
	a.cfg, a.conn, a.tasks = cfg, conn, queue.NewSQLRepo(conn)
	return nil
}

func (a *app) logger() zerolog.Logger {
	if !a.verbose {
		return zerolog.Nop()
	}
	return logging.New(os.Stderr, "debug", "console")
}

// engine wires the same handlers the daemon runs, without a cache.
func (a *app) engine(ctx context.Context) (*worker.Engine, error) {
	if err := clinic.EnsureSchema(ctx, a.conn); err != nil {
		return nil, err
	}
	store := clinic.NewSQLStore(a.conn)
	reg := worker.NewRegistry()
	handlers.Register(reg, handlers.Deps{Records: store, Notifier: store, Logger: a.logger()})
	return worker.NewEngine(a.tasks, reg, a.cfg.Worker(), a.logger()), nil
}
