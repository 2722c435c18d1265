// Command wsss runs the WebSocket Serial Server: it binds an HTTP server
// exposing a test page at "/" and the WebSocket serial protocol at "/ws",
// backed by one internal/registry.Registry shared across every connection.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Microtome/websocket-serial-server/internal/config"
	"github.com/Microtome/websocket-serial-server/internal/httpapi"
	"github.com/Microtome/websocket-serial-server/internal/registry"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		httpPort    int
		bindAddress string
		debug       bool
	)
	httpPortSet := false
	bindAddressSet := false

	flag.IntVar(&httpPort, "p", 0, "HTTP port to listen on (shorthand for --http_port)")
	flag.IntVar(&httpPort, "http_port", 0, "HTTP port to listen on")
	flag.StringVar(&bindAddress, "a", "", "address to bind to (shorthand for --bind_address)")
	flag.StringVar(&bindAddress, "bind_address", "", "address to bind to")
	flag.BoolVar(&debug, "debug", false, "use a development logger instead of a production one")
	flag.Parse()

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "p", "http_port":
			httpPortSet = true
		case "a", "bind_address":
			bindAddressSet = true
		}
	})

	var cli config.CLIOverrides
	if httpPortSet {
		cli.HTTPPort = &httpPort
	}
	if bindAddressSet {
		cli.BindAddress = &bindAddress
	}

	cfg, err := config.Load(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logger, err := newLogger(debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("starting websocket serial server",
		zap.String("address", cfg.BindAddress),
		zap.Int("port", cfg.HTTPPort),
		zap.Duration("poll_interval", cfg.PollInterval),
	)

	reg := registry.New(logger, registry.WithPollInterval(cfg.PollInterval))
	api := httpapi.New(reg, logger, cfg.BindAddress, cfg.HTTPPort)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.HTTPPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := server.ListenAndServe(); err != nil {
		logger.Error("server exited", zap.Error(err))
		return 1
	}
	return 0
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
