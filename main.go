// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
)

const cfgFile = "goopcall.json"

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	switch command := args[0]; command {
	case "init":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: init requires a directory and a user id")
			fmt.Fprintln(os.Stderr, "Usage: goopcall init <peer-directory> <user-id>")
			os.Exit(1)
		}
		runInit(args[1], args[2])

	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: goopcall peer <peer-directory>")
			os.Exit(1)
		}
		runPeer(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runInit(peerDirArg, userID string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, cfgFile)
	_, created, err := config.Ensure(cfgPath, userID)
	if err != nil {
		log.Fatalf("Failed to create config: %v", err)
	}
	if created {
		fmt.Printf("Created %s for %s\n", cfgPath, userID)
	} else {
		fmt.Printf("%s already exists, left unchanged\n", cfgPath)
	}
}

func runPeer(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, cfgFile)
	cfg, err := config.LoadPartial(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v (run 'goopcall init' first)", err)
	}
	if err := config.ApplyEnvFile(&cfg, filepath.Join(absDir, ".env")); err != nil {
		log.Fatalf("Failed to apply environment: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("goopcall - peer-to-peer audio/video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall init <directory> <user-id>   Create a peer directory")
	fmt.Println("  goopcall peer <directory>             Run a call endpoint")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init <directory> <user-id>")
	fmt.Println("        Write a default goopcall.json for the user")
	fmt.Println()
	fmt.Println("  peer <directory>")
	fmt.Println("        Run the endpoint for the user configured in <directory>/goopcall.json")
	fmt.Println("        GOOPCALL_* variables in <directory>/.env or the environment override it")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goopcall init ./peers/alice alice")
	fmt.Println("  goopcall peer ./peers/alice")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   goopcall endpoint                    ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("User:           %s\n", cfg.Identity.UserID)
	if cfg.Identity.DisplayName != "" {
		fmt.Printf("Display Name:   %s\n", cfg.Identity.DisplayName)
	}
	fmt.Printf("Store:          %s\n", cfg.Store.Backend)
	fmt.Println()

	if cfg.Control.HTTPAddr != "" {
		_, url := app.NormalizeLocalAddr(cfg.Control.HTTPAddr)
		fmt.Printf("🌐 Control API:  %s\n", url)
		fmt.Println()
	}

	fmt.Println("Starting endpoint... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
