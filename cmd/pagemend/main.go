// Command pagemend keeps third-party pages mended.
//
// Usage:
//
//	pagemend -config pagemend.yaml -listen :8080     # mend configured pages, serve the API
//	pagemend -url https://www.bookfinder.com/search/?isbn=...  # keep one page mended
//	pagemend -rewrite https://... -mode http        # mend once, print the HTML
//	pagemend -db pagemend.db -mcp-stdio             # MCP tools over stdin/stdout
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pagemend/pagemend"
	"github.com/hazyhaar/pagemend/rules"
)

var version = "dev"

type options struct {
	configPath string
	dbPath     string
	url        string
	rewrite    string
	mode       string
	rules      string
	listen     string
	mcpStdio   bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to pagemend.yaml config file")
	flag.StringVar(&o.dbPath, "db", "", "SQLite database holding pages and the event log")
	flag.StringVar(&o.url, "url", "", "keep a single URL mended (stdout sink)")
	flag.StringVar(&o.rewrite, "rewrite", "", "mend a URL once and print the resulting HTML")
	flag.StringVar(&o.mode, "mode", "", "fetch mode for -url and -rewrite: browser, http, auto")
	flag.StringVar(&o.rules, "rules", "", "comma-separated rule names (default: rules matching the URL)")
	flag.StringVar(&o.listen, "listen", "", "serve the HTTP API and /mcp on this address")
	flag.BoolVar(&o.mcpStdio, "mcp-stdio", false, "serve MCP tools over stdin/stdout")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		logger.Error("pagemend: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	if o.rewrite != "" {
		return runRewrite(ctx, logger, o)
	}
	if o.configPath == "" && o.url == "" && o.dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: pagemend -config <file> | -url <url> | -rewrite <url> | -db <file> [-listen addr] [-mcp-stdio]")
		os.Exit(2)
	}
	return runDaemon(ctx, logger, o)
}

func loadConfig(o options) (*pagemend.Config, error) {
	if o.configPath == "" {
		return pagemend.ParseConfig([]byte("{}"))
	}
	cfg, err := pagemend.LoadConfigFile(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func splitRules(s string) []string {
	var out []string
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func runRewrite(ctx context.Context, logger *slog.Logger, o options) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	// Events go to the log only: stdout carries the page.
	m := pagemend.New(cfg, logger)
	defer m.Stop()

	res, err := m.Rewrite(ctx, o.rewrite, pagemend.RewriteOptions{Mode: o.mode, Rules: splitRules(o.rules)})
	if err != nil {
		return fmt.Errorf("rewrite: %w", err)
	}
	logger.Info("pagemend: rewritten",
		"url", res.URL, "mode", res.Mode, "escalated", res.Escalated,
		"applied", res.Applied(), "hash", res.HTMLHash)
	_, err = io.WriteString(os.Stdout, res.HTML)
	return err
}

func runDaemon(ctx context.Context, logger *slog.Logger, o options) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	if o.url != "" {
		pc := pagemend.PageConfig{URL: o.url, Mode: o.mode}
		for _, n := range splitRules(o.rules) {
			pc.Rules = append(pc.Rules, pagemend.RuleConfig{Spec: rules.Spec{Name: n}})
		}
		cfg.Pages = append(cfg.Pages, pc)
	}

	dbPath := o.dbPath
	if dbPath == "" {
		dbPath = cfg.Database
	}
	var db *sql.DB
	if dbPath != "" {
		if db, err = pagemend.OpenDB(dbPath); err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()
	}

	// With MCP on stdio, stdout belongs to the protocol.
	var out io.Writer = os.Stdout
	if o.mcpStdio {
		out = os.Stderr
	}
	sinks, err := pagemend.BuildSinks(cfg, db, out, logger)
	if err != nil {
		return err
	}

	m := pagemend.New(cfg, logger, sinks...)
	defer m.Stop()
	if db != nil {
		m.UseDB(db)
	}
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "pagemend", Version: version}, nil)
	m.RegisterMCP(mcpSrv)

	listen := o.listen
	if listen == "" {
		listen = cfg.HTTP.Listen
	}
	if listen != "" {
		r := chi.NewRouter()
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
		r.Mount("/", m.Handler())

		srv := &http.Server{
			Addr:              listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("pagemend: http listening", "addr", listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("pagemend: http server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("pagemend: http shutdown", "error", err)
			}
		}()
	}

	if o.mcpStdio {
		logger.Info("pagemend: mcp on stdio")
		if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp: %w", err)
		}
		return nil
	}

	<-ctx.Done()
	logger.Info("pagemend: shutting down")
	return nil
}
