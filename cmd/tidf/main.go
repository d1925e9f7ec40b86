// The tidf command runs the session server: a TCP dispatcher plus a set of
// worker threads that own sessions and relay packets between their players.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jakubDoka/tidf/internal/core"
	"github.com/jakubDoka/tidf/internal/core/debug"
	"github.com/jakubDoka/tidf/internal/server"
)

var configFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tidf",
		Short: "Authoritative game session server",
		Run:   runServer,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "./", "Path to the directory containing the server config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
	}
}

func runServer(_ *cobra.Command, _ []string) {
	config := core.LoadConfig(configFlag)
	fmt.Println("using configuration file:", configFlag)

	logger, err := core.NewLogger(config)
	if err != nil {
		fmt.Println("error initializing logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	// Ctrl-C shuts the server down gracefully; a second one kills it.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(cancel, c, &wg)

	srv := &server.Server{
		Hostname:    config.Hostname,
		BasePort:    config.Server.BasePort,
		Threads:     config.Server.Threads,
		TickRate:    config.Server.TickRate,
		IdleTimeout: config.IdleTimeout(),
		Logger:      logger,
		Metrics:     server.NewMetrics(),
	}

	if config.Debugging.PprofEnabled {
		debug.StartPprofServer(logger, config.Debugging.PprofPort)
	}
	if config.Web.MetricsPort != 0 {
		debug.StartMetricsServer(logger, srv.Metrics.Registry, config.Web.MetricsPort)
	}

	if err := srv.Start(ctx, &wg); err != nil {
		logger.Errorf("failed to start server: %v", err)
		os.Exit(1)
	}

	wg.Wait()
	fmt.Println("shut down")
}

func exitHandler(cancelFn func(), c chan os.Signal, wg *sync.WaitGroup) {
	<-c
	fmt.Println("waiting to shut down gracefully...")

	cancelFn()
	exitChan := make(chan bool)
	go func() {
		wg.Wait()
		exitChan <- true
	}()

	select {
	case <-c:
		fmt.Println("hard exiting (killed)")
	case <-exitChan:
	}

	os.Exit(0)
}
