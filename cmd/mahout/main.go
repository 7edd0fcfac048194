// ABOUTME: CLI entrypoint for the mahout agent runtime server.
// ABOUTME: Parses flags, wires storage, auth, the LLM client, and tool routing, then serves.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/2389-research/mahout/agent"
	"github.com/2389-research/mahout/auth"
	"github.com/2389-research/mahout/llm"
	"github.com/2389-research/mahout/server"
	"github.com/2389-research/mahout/store"
	"github.com/2389-research/mahout/tools"
)

var version = "dev"

// cliConfig holds flag-level settings; everything else lives in the server
// config file and environment.
type cliConfig struct {
	configPath  string
	addr        string
	dataDir     string
	yolo        bool
	verbose     bool
	showVersion bool
}

func main() {
	loadDotEnv(".env")

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("mahout %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

func parseFlags() cliConfig {
	var cfg cliConfig

	fs := flag.NewFlagSet("mahout", flag.ContinueOnError)
	fs.StringVar(&cfg.configPath, "config", "", "Path to YAML config file")
	fs.StringVar(&cfg.addr, "addr", "", "Listen address (overrides config)")
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Data directory for the local session index")
	fs.BoolVar(&cfg.yolo, "yolo", false, "Disable the tool approval gate")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Verbose logging")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	return cfg
}

// run wires everything together. Returns the process exit code.
func run(cli cliConfig) int {
	if cli.verbose {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	cfg, err := server.LoadConfig(cli.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if cli.addr != "" {
		cfg.Addr = cli.addr
	}
	if cli.dataDir != "" {
		cfg.DataDir = cli.dataDir
	}
	if cli.yolo {
		cfg.YOLO = true
	}

	if cfg.Model.APIKey == "" {
		fmt.Fprintln(os.Stderr, "error: no LLM API key found")
		fmt.Fprintln(os.Stderr, "Set OPENAI_API_KEY or model.api_key in the config file")
		return 1
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error: create data dir: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	indexPath := filepath.Join(cfg.DataDir, "sessions.db")
	_, statErr := os.Stat(indexPath)
	freshIndex := os.IsNotExist(statErr)

	index, err := store.OpenIndex(indexPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer index.Close()

	var objects store.ObjectStore
	if cfg.S3.Bucket != "" {
		objects, err = store.NewS3Store(ctx, store.S3Config{
			Bucket:   cfg.S3.Bucket,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
	} else {
		log.Printf("[sync] no s3 bucket configured; session batches stay in memory")
		objects = store.NewMemoryStore()
	}

	// A brand new index on a host with existing batches means a restart
	// after a crash or redeploy.
	if freshIndex {
		if n, err := store.RebuildIndex(ctx, objects, index); err != nil {
			log.Printf("[sync] recovery failed: %v", err)
		} else if n > 0 {
			log.Printf("[sync] recovered %d sessions from the object store", n)
		}
	}

	syncer := store.NewSyncer(index, objects, store.SyncConfig{Interval: cfg.SyncInterval()})

	var adapterOpts []llm.OpenAIOption
	if cfg.Model.Name != "" {
		adapterOpts = append(adapterOpts, llm.WithModel(cfg.Model.Name))
	}
	if cfg.Model.BaseURL != "" {
		adapterOpts = append(adapterOpts, llm.WithBaseURL(cfg.Model.BaseURL))
	}
	client := llm.NewClient(
		llm.WithProvider(cfg.Model.Provider, llm.NewOpenAIAdapter(cfg.Model.APIKey, adapterOpts...)),
	)
	defer client.Close()

	engine := agent.NewEngine(client, agent.NewPolicy(cfg.YOLO, agent.DefaultRules()))
	engine.SaveHook = func(s *agent.Session) {
		if err := syncer.MarkDirty(server.SnapshotSession(s)); err != nil {
			log.Printf("[sync] mark dirty %s: %v", s.ID, err)
		}
	}

	routers := func() (*tools.Router, error) {
		var opts []tools.Option
		switch {
		case len(cfg.MCP.Command) > 0:
			opts = append(opts, tools.WithExternalClient(
				tools.NewMCPCommandClient("mahout", cfg.MCP.Command...)))
		case cfg.MCP.Endpoint != "":
			opts = append(opts, tools.WithExternalClient(
				tools.NewMCPHTTPClient("mahout", cfg.MCP.Endpoint)))
		}
		if len(cfg.MCP.Disallowed) > 0 {
			opts = append(opts, tools.WithDisallowed(cfg.MCP.Disallowed...))
		}
		r := tools.NewRouter(opts...)
		if err := tools.RegisterBuiltins(r); err != nil {
			return nil, err
		}
		return r, nil
	}

	manager := agent.NewManager(engine, agent.WithRouterFactory(routers))

	jwtMgr := auth.NewJWTManager(secretBytes(cfg.JWTSecret, "jwt"), 24*time.Hour)
	vault, err := auth.NewTokenVault(
		secretBytes(cfg.VaultPassphrase, "vault passphrase"),
		secretBytes(cfg.VaultSalt, "vault salt"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	srv := server.New(cfg, manager, index, syncer, jwtMgr, vault, routers)
	if err := srv.ListenAndServe(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// secretBytes returns the configured secret, or a random one-per-process
// value with a warning. Random secrets invalidate tokens across restarts.
func secretBytes(configured, name string) []byte {
	if configured != "" {
		return []byte(configured)
	}
	log.Printf("[server] no %s secret configured; generating an ephemeral one", name)
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return b
}
