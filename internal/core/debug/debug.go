// Package debug hosts the optional runtime introspection endpoints.
package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StartPprofServer starts the default pprof HTTP server that can be accessed
// via localhost to get runtime information about the server.
// See https://golang.org/pkg/net/http/pprof/
func StartPprofServer(logger *zap.SugaredLogger, port int) {
	listenerAddr := fmt.Sprintf("localhost:%d", port)
	logger.Infof("starting pprof server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, nil); err != nil {
			logger.Infof("error starting pprof server: %s", err)
		}
	}()
}

// StartMetricsServer exposes the registry's metrics for Prometheus scrapes.
func StartMetricsServer(logger *zap.SugaredLogger, registry *prometheus.Registry, port int) {
	listenerAddr := fmt.Sprintf(":%d", port)
	logger.Infof("starting metrics server on %s", listenerAddr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(listenerAddr, mux); err != nil {
			logger.Infof("error starting metrics server: %s", err)
		}
	}()
}
