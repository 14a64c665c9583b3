package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"staticd/internal/logger"
	"staticd/internal/staticd"
)

func main() {
	var (
		configPath    string
		root          string
		host          string
		port          int
		showExtension bool
	)
	flag.StringVar(&configPath, "config", getenvDefault("STATICD_CONFIG", ""), "path to staticd.yaml")
	flag.StringVar(&root, "root", ".", "directory to serve")
	flag.StringVar(&host, "host", "any", `address to bind ("localhost", "any" or an IP)`)
	flag.IntVar(&port, "port", 8080, "port to listen on")
	flag.BoolVar(&showExtension, "show-extension", true, "serve pages under their .html names")
	flag.Parse()

	var cfg staticd.Config
	if configPath != "" {
		var err error
		if cfg, err = staticd.ReadConfig(configPath); err != nil {
			fatal("load config: %v", err)
		}
	} else {
		cfg.Server.ContentRoot = root
		cfg.Server.Host = host
		cfg.Server.Port = port
		cfg.Server.ShowExtension = showExtension
	}

	// explicit flags win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "root":
			cfg.Server.ContentRoot = root
		case "host":
			cfg.Server.Host = host
		case "port":
			cfg.Server.Port = port
		case "show-extension":
			cfg.Server.ShowExtension = showExtension
		}
	})

	if err := cfg.Compile(); err != nil {
		fatal("config: %v", err)
	}
	logger.SetLevel(cfg.Logging.Level)

	srv, err := staticd.NewServer(&cfg)
	if err != nil {
		fatal("init server: %v", err)
	}
	ln, err := srv.Listen()
	if err != nil {
		_ = srv.Close()
		fatal("%v", err)
	}

	mode := "hide-extension"
	reminder := "/about serves about.html, /about.html redirects to /about/ when about/index.html exists"
	if cfg.Server.ShowExtension {
		mode = "show-extension"
		reminder = "links must include .html, / redirects to /index.html"
	}
	logger.Info("staticd serving %s on %s (%s)", srv.Resolver().Root(), ln.Addr(), mode)
	logger.Info("%s", reminder)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx, ln); err != nil {
		logger.Error("serve: %v", err)
	}
	logger.Info("shutting down")
	if err := srv.Close(); err != nil {
		logger.Error("close: %v", err)
	}
}

func fatal(format string, args ...any) {
	logger.Error(format, args...)
	os.Exit(1)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
