// Command flowd runs dataflow projects and serves their progress streams.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/songzhibin97/dataflow-engine/config"
	"github.com/songzhibin97/dataflow-engine/node"
	_ "github.com/songzhibin97/dataflow-engine/nodes"
	"github.com/songzhibin97/dataflow-engine/storage"
	"github.com/songzhibin97/dataflow-engine/stream"
	"github.com/songzhibin97/dataflow-engine/types"
)

var (
	configPath  string
	projectFile string
	projectID   string
	userID      string
)

var rootCmd = &cobra.Command{
	Use:   "flowd",
	Short: "Dataflow engine",
	Long: `flowd validates and executes dataflow projects.

A project is a graph of typed nodes connected port to port. Each run streams
its progress so that clients can follow it over a websocket.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workflow file and print its progress stream",
	RunE:  runRun,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve task submission and the websocket relay",
	RunE:  runServe,
}

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List the registered node types",
	Run: func(cmd *cobra.Command, args []string) {
		for _, t := range node.Types() {
			fmt.Println(t)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration")

	runCmd.Flags().StringVarP(&projectFile, "project", "p", "", "Workflow JSON file")
	runCmd.Flags().StringVar(&projectID, "id", "local", "Project id")
	runCmd.Flags().StringVar(&userID, "user", "cli", "User id")
	_ = runCmd.MarkFlagRequired("project")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(typesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func runRun(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(projectFile)
	if err != nil {
		return fmt.Errorf("reading workflow: %w", err)
	}
	var wf types.ProjectWorkflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return fmt.Errorf("decoding workflow: %w", err)
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = a.store.CreateProject(ctx, types.Project{ID: projectID, OwnerID: userID, Name: projectID, Workflow: wf})
	if errors.Is(err, storage.ErrProjectExists) {
		err = a.store.SaveWorkflow(ctx, projectID, wf)
	}
	if err != nil {
		return err
	}

	taskID, err := a.sub.Submit(ctx, projectID, userID)
	if err != nil {
		return err
	}
	a.logger.Info("task submitted", zap.String("task_id", taskID))

	consumer := stream.NewConsumer(a.streams, taskID, stream.WithLogger(a.logger))
	enc := json.NewEncoder(cmd.OutOrStdout())
	for {
		m, err := consumer.Read(ctx, a.cfg.Relay.ReadTimeout)
		if ctx.Err() != nil {
			if _, err := a.sub.Revoke(context.WithoutCancel(ctx), taskID, 10*time.Second); err != nil {
				a.logger.Warn("revoking task", zap.Error(err))
			}
			return ctx.Err()
		}
		if errors.Is(err, stream.ErrReadTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(wireLine{Status: m.Status, Payload: m.Payload}); err != nil {
			return err
		}
		if m.Status.Terminal() {
			_ = consumer.Close(ctx)
			if m.Status != stream.StatusSuccess {
				return fmt.Errorf("task %s failed", taskID)
			}
			return nil
		}
	}
}

type wireLine struct {
	Status  stream.Status   `json:"status"`
	Payload json.RawMessage `json:"payload"`
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{Addr: a.cfg.Relay.Addr, Handler: a.routes(), ReadHeaderTimeout: 10 * time.Second}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
