package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/andesco/htmlproxy/handlers"
	"github.com/andesco/htmlproxy/pkg/htmlproxy"

	"github.com/akamensky/argparse"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

func main() {
	parser := argparse.NewParser("htmlproxy", "Preview live pages with local HTML fragments swapped in")

	configPath := parser.String("c", "config", &argparse.Options{
		Required: false,
		Default:  getenv("HTML_PROXY_CONFIG", "htmlproxy.yaml"),
		Help:     "Path to the YAML configuration file",
	})

	port := parser.Int("p", "port", &argparse.Options{
		Required: false,
		Default:  0,
		Help:     "Port the proxy listens on. Overrides HTML_PROXY_PORT and the config file",
	})

	logLevel := parser.String("l", "log-level", &argparse.Options{
		Required: false,
		Default:  getenv("LOG_LEVEL", "info"),
		Help:     "Log level: debug, info, warn, error",
	})

	noServer := parser.Flag("n", "no-server", &argparse.Options{
		Required: false,
		Help:     "Only load and validate the configuration, do not listen",
	})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(2)
	}

	setupLogging(*logLevel)

	cfg, err := htmlproxy.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Could not load configuration: %v", err)
	}
	if envPort := os.Getenv("HTML_PROXY_PORT"); envPort != "" {
		p, err := strconv.Atoi(envPort)
		if err != nil {
			log.Fatalf("Invalid HTML_PROXY_PORT %q: %v", envPort, err)
		}
		cfg.Port = p
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *noServer {
		cfg.NeedServer = false
	}

	proxy, err := htmlproxy.New(cfg)
	if err != nil {
		log.Fatalf("Could not initialize html proxy: %v", err)
	}

	if !cfg.NeedServer {
		log.Infof("Listener disabled, %d rules compiled", proxy.Index.Len())
		return
	}

	app := handlers.NewApp(proxy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Errorf("Shutdown: %v", err)
		}
	}()

	log.Infof("html proxy listening on :%d, fragments from %s", cfg.Port, cfg.FragmentRoot)
	if err := app.Listen(":" + strconv.Itoa(cfg.Port)); err != nil {
		log.Fatal(err)
	}
}

// setupLogging uses a colored text formatter on terminals and JSON otherwise.
func setupLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
