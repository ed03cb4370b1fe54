package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/room4-2/voicerelay/config"
	"github.com/room4-2/voicerelay/functions"
	"github.com/room4-2/voicerelay/gemini"
	"github.com/room4-2/voicerelay/observability"
	"github.com/room4-2/voicerelay/proxy"
	"github.com/room4-2/voicerelay/relay"
	"github.com/room4-2/voicerelay/server"
	"github.com/room4-2/voicerelay/session"
	"github.com/room4-2/voicerelay/tools"
)

var (
	port int

	rootCmd = &cobra.Command{
		Use:   "voicerelay",
		Short: "Realtime voice relay for the Gemini Live API",
		RunE:  runServer,
	}

	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "Print the tool declarations advertised to the model",
		RunE:  printTools,
	}
)

func init() {
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides PORT)")
	rootCmd.AddCommand(toolsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port > 0 {
		cfg.Port = port
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	metrics := observability.NewMetrics("voicerelay")

	var storeOpts []session.Option
	if cfg.RedisURL != "" {
		mirror, err := session.NewRedisMirror(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.SessionTimeout)
		if err != nil {
			log.Printf("⚠️ Redis unavailable, sessions kept in memory only: %v", err)
		} else {
			log.Printf("✅ Redis session mirror connected: %s", cfg.RedisURL)
			storeOpts = append(storeOpts, session.WithMirror(mirror))
		}
	}
	sessions := session.NewStore(cfg.SessionTimeout, storeOpts...)

	registry := tools.NewRegistry(cfg.ToolTimeout)
	functions.RegisterDefaults(registry)
	log.Printf("🔧 Registered %d tools", len(registry.List()))

	client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.VoiceName)
	if err != nil {
		return fmt.Errorf("failed to create Gemini client: %w", err)
	}

	upstream := proxy.New(sessions, registry, client, metrics)
	rl := relay.New(sessions, upstream, metrics, cfg.KeepAlivePeriod)
	srv := server.New(cfg, sessions, registry, rl, metrics)

	// Start cleanup routine
	go sessions.StartSweeper(ctx, cfg.SweepInterval)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("\nReceived shutdown signal...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	if err := srv.Start(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Println("Server stopped")
	return nil
}

func printTools(cmd *cobra.Command, _ []string) error {
	registry := tools.NewRegistry(tools.DefaultTimeout)
	functions.RegisterDefaults(registry)

	out, err := sonic.ConfigStd.MarshalIndent(registry.Declarations(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
