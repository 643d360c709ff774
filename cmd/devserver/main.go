// Command devserver runs the in-memory chat server for local
// development. All state is lost on exit; do not point real users at
// it.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aeolun/crosschat/pkg/devserver"
)

func main() {
	addr := flag.String("addr", "localhost:14777", "Listen address")
	logLevel := flag.String("log-level", "debug", "Log level: debug, info, warn, error")
	flag.Parse()

	level, err := zapcore.ParseLevel(*logLevel)
	if err != nil {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	srv := devserver.New(logger)
	mux := http.NewServeMux()
	mux.Handle("/sse", srv.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info("dev server listening",
		zap.String("addr", *addr),
		zap.String("url", fmt.Sprintf("ws://%s/sse", *addr)))
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
