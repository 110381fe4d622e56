package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/berth-ai/berth/internal/config"
	"github.com/berth-ai/berth/internal/daemon"
	"github.com/berth-ai/berth/internal/store"
	berthversion "github.com/berth-ai/berth/internal/version"
)

func main() {
	var listenAddr string

	rootCmd := &cobra.Command{
		Use:           "berthd",
		Short:         "Berth daemon - supervises the local agent runtime, tunnels, and authentication",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(listenAddr)
		},
	}
	rootCmd.Flags().StringVar(&listenAddr, "listen", daemon.DefaultListenAddr, "loopback address for the control surface")
	rootCmd.Version = berthversion.Format(berthversion.String())
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(listenAddr string) error {
	paths, err := config.EnsureDirs()
	if err != nil {
		return fmt.Errorf("failed to prepare directories: %w", err)
	}

	if err := setupLogging(paths); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	st, err := store.Open(store.Options{DBPath: paths.StateDB})
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	d, err := daemon.New(daemon.Options{
		Store:      st,
		Paths:      paths,
		ListenAddr: listenAddr,
	})
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.Start()
	}()

	log.Printf("Berth daemon started (PID: %d)", os.Getpid())

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		if err := d.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
		if err := <-errChan; err != nil {
			return err
		}
	case err := <-errChan:
		if err != nil {
			log.Printf("Daemon error: %v", err)
			d.Shutdown()
			return err
		}
	}

	log.Println("Daemon stopped")
	return nil
}

func setupLogging(paths config.Paths) error {
	if err := os.MkdirAll(paths.LogsDir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	logPath := filepath.Join(paths.LogsDir, "berthd.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== Berth Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
