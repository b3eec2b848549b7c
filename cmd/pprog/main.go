package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"pprog/internal/agent"
	"pprog/internal/config"
	"pprog/internal/logging"
	"pprog/internal/prompts"
	"pprog/internal/server"
	"pprog/internal/state"
	"pprog/internal/tooling"
)

// Version is set via -ldflags during build
var Version = "dev"

func main() {
	var (
		promptFlag  = flag.StringP("prompt", "p", "", "Execute a single prompt and exit (non-interactive mode)")
		serveFlag   = flag.Bool("serve", false, "Serve the HTTP API instead of the REPL")
		addrFlag    = flag.String("addr", "", "Listen address for --serve (default from config)")
		initFlag    = flag.Bool("init", false, "Write "+config.FileName+" for this project and exit")
		sessionFlag = flag.StringP("session", "s", "default", "Session key to resume")
		newSession  = flag.Bool("new", false, "Start a fresh session with a generated key")
		versionFlag = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *versionFlag {
		fmt.Printf("pprog version %s\n", Version)
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to resolve working directory: %v", err)
	}
	root := config.FindProjectRoot(cwd)

	if *initFlag {
		cfg, err := config.Init(root)
		if errors.Is(err, config.ErrAlreadyInitialized) {
			fmt.Printf("%s already exists\n", config.ConfigPath(root))
			return
		}
		if err != nil {
			log.Fatalf("Init failed: %v", err)
		}
		fmt.Printf("Wrote %s (check_cmd: %q)\n", cfg.Path(), cfg.CheckCmd)
		return
	}

	if err := config.LoadEnv(root); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}
	cfg, err := config.Load(root)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	logFile, err := logging.NewRotatingWriter(logging.RotateOptions{
		Path:       filepath.Join(cfg.DataDir, "pprog.log"),
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()
	logger := log.New(logFile, "pprog ", log.LstdFlags|log.Lmicroseconds)
	logging.SetOutput(logFile)
	structured := logging.NewStructuredLogger(logger, "pprog", false)

	client, err := buildClient(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to init provider: %v", err)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open conversation store: %v", err)
	}
	states, err := state.NewManager(store, logger)
	if err != nil {
		log.Fatalf("Failed to init state manager: %v", err)
	}
	defer states.Close()

	// Secrets are read from the controlling terminal, so a server started
	// from a terminal can still answer sudo prompts.
	tools, err := tooling.DefaultTools(tooling.Options{
		WorkspaceRoot:  cfg.WorkspaceRoot,
		ShellTimeout:   cfg.ShellTimeout(),
		CheckCommand:   cfg.CheckCmd,
		MaxOutputChars: cfg.MaxToolOutputChars,
		Secrets:        tooling.NewTerminalSecretProvider(),
		EnableWebFetch: cfg.EnableWebFetch,
	})
	if err != nil {
		log.Fatalf("Failed to init tools: %v", err)
	}
	executor := tooling.NewExecutor(tooling.NewRegistry(tools...), structured)

	builder := prompts.Builder{Root: cfg.WorkspaceRoot, User: cfg.SystemPrompt}
	agentInstance := agent.New(client, states, executor, agent.Options{
		Model:         cfg.Model,
		MaxTokens:     cfg.MaxOutputTokens,
		Temperature:   cfg.Temperature,
		MaxContext:    cfg.EffectiveMaxContext(),
		MaxIterations: cfg.MaxToolIterations,
		System:        builder.Build,
		Logger:        structured,
	})

	session := strings.TrimSpace(*sessionFlag)
	if *newSession || session == "" {
		session = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repl := agent.NewREPL(agentInstance, session, filepath.Join(cfg.DataDir, "history"))
	if *promptFlag != "" {
		if err := repl.RunOneShot(ctx, *promptFlag); err != nil {
			log.Fatalf("Prompt failed: %v", err)
		}
		return
	}

	if *serveFlag {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			logger.Println("Received shutdown signal, gracefully stopping...")
			cancel()
		}()
		addr := cfg.ListenAddr
		if *addrFlag != "" {
			addr = *addrFlag
		}
		srv := server.New(agentInstance, structured)
		go func() {
			if actual, ok := <-srv.Addr(); ok {
				fmt.Printf("pprog API listening at http://%s\n", actual)
			}
		}()
		if err := srv.Run(ctx, addr); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
		return
	}

	if err := repl.Run(ctx); err != nil {
		log.Fatalf("REPL failed: %v", err)
	}
}
