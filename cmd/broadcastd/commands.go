package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"broadcastd/internal/app"
	"broadcastd/internal/broadcast"
	"broadcastd/internal/config"
	logx "broadcastd/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

const stopTimeout = 20 * time.Second

// manager loads the dotenv file and resolves the config path. A default path
// that does not exist means "environment only".
func (g *globalFlags) manager(cmd *cobra.Command) (*config.Manager, error) {
	if err := config.LoadDotEnv(g.envFile); err != nil {
		return nil, err
	}
	path := g.config
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.NewManager(path), nil
}

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the scheduler and (when enabled) the worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := g.manager(cmd)
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), m, app.Options{})
		},
	}
}

func newWorkerCmd(g *globalFlags) *cobra.Command {
	var opt app.Options
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run only the worker pool for one topic",
		Long: `Run only the worker pool. The process exits non-zero once a worker loop
exhausts its restart budget, leaving the restart policy to systemd.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := g.manager(cmd)
			if err != nil {
				return err
			}
			opt.WorkerOnly = true
			return runDaemon(cmd.Context(), m, opt)
		},
	}
	cmd.Flags().StringVar(&opt.Topic, "topic", "", "job topic to consume (overrides worker.topic)")
	cmd.Flags().StringVar(&opt.WorkerID, "worker-id", "", "worker identity recorded on claimed jobs (overrides worker.id)")
	return cmd
}

// runDaemon starts the app and blocks until a signal or a fatal supervisor error.
func runDaemon(ctx context.Context, m *config.Manager, opt app.Options) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(ctx, m, opt)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-ctx.Done():
		reason = app.StopAppStop
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}

func newMigrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending storage migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := g.manager(cmd)
			if err != nil {
				return err
			}
			n, err := app.Migrate(cmd.Context(), m, logx.NewConsole("info"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}

func newSweepCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired terminal jobs and webhook logs once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app.App) error {
				return a.Sweeper().SweepAll(ctx)
			})
		},
	}
}

func newEnqueueCmd(g *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a broadcast job from a JSON file (- for stdin) and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := readJob(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return withApp(cmd, g, func(ctx context.Context, a *app.App) error {
				id, err := a.Enqueue(ctx, in)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "job JSON: project_id, template_ref, recipients[], optional topic")
	return cmd
}

// withApp builds the app without starting it, runs fn and releases everything.
func withApp(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, a *app.App) error) error {
	m, err := g.manager(cmd)
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), m, app.Options{})
	if err != nil {
		return err
	}
	runErr := fn(cmd.Context(), a)
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return errors.CombineErrors(runErr, a.Stop(stopCtx, app.StopAppStop))
}

func readJob(stdin io.Reader, file string) (broadcast.NewJob, error) {
	r := stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return broadcast.NewJob{}, errors.Wrap(err, "open job file")
		}
		defer f.Close()
		r = f
	}
	var in broadcast.NewJob
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return broadcast.NewJob{}, errors.Wrap(err, "decode job")
	}
	return in, nil
}
