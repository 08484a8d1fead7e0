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
	"time"

	"github.com/petervdpas/consultcall/internal/app"
	"github.com/petervdpas/consultcall/internal/auth"
	"github.com/petervdpas/consultcall/internal/config"
	"github.com/petervdpas/consultcall/internal/proto"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "consultcall.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("consultcall v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	switch command := args[0]; command {
	case "relay", "agent", "init":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
			fmt.Fprintf(os.Stderr, "Usage: consultcall %s <directory>\n", command)
			os.Exit(1)
		}
		switch command {
		case "relay":
			runCLI(args[1], app.RunRelay)
		case "agent":
			runCLI(args[1], app.RunAgent)
		case "init":
			runInit(args[1])
		}

	case "token":
		runToken(args[1:])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func resolveDir(dirArg string) string {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}
	return absDir
}

func runCLI(dirArg string, run func(context.Context, app.Options) error) {
	absDir := resolveDir(dirArg)

	if err := config.LoadDotEnv(absDir); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}
	cfgPath := filepath.Join(absDir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Failed: %v", err)
	}
}

func runInit(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalf("Create directory: %v", err)
	}
	cfgPath := filepath.Join(absDir, cfgName)

	cfg := config.Default()
	if existing, err := config.LoadPartial(cfgPath); err == nil {
		cfg = existing
	}
	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Save config: %v", err)
	}
	fmt.Printf("Wrote %s\n", cfgPath)
}

// runToken mints a signed identity token, for development and tests.
func runToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv(config.EnvJWTSecret), "HS256 signing secret")
	id := fs.String("id", "", "user id")
	name := fs.String("name", "", "display name")
	email := fs.String("email", "", "email address")
	role := fs.String("role", proto.RolePatient, "specialist, patient or admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	_ = fs.Parse(args)

	if *id == "" {
		fmt.Fprintln(os.Stderr, "Error: -id is required")
		os.Exit(1)
	}
	tok, err := auth.Issue(*secret, proto.User{ID: *id, Name: *name, Email: *email, Role: *role}, *ttl)
	if err != nil {
		log.Fatalf("Issue token: %v", err)
	}
	fmt.Println(tok)
}

func showUsage() {
	fmt.Println("consultcall - consultation call signaling")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  consultcall relay <directory>   Run the signaling relay")
	fmt.Println("  consultcall agent <directory>   Run a headless specialist or patient")
	fmt.Println("  consultcall init <directory>    Create or edit the directory's config")
	fmt.Println("  consultcall token -id <id> -role <role> [-secret s] [-ttl 24h]")
	fmt.Println()
	fmt.Println("Each directory holds consultcall.json, an optional .env and the local")
	fmt.Println("state database. Secrets come from the environment:")
	fmt.Printf("  %s  relay token verification and token minting\n", config.EnvJWTSecret)
	fmt.Printf("  %s       agent identity\n", config.EnvToken)
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                      consultcall                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Directory:      %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Relay:          %s:%d\n", cfg.Relay.Bind, cfg.Relay.Port)
	if cfg.Client.HTTPAddr != "" {
		fmt.Printf("Agent console:  %s\n", cfg.Client.HTTPAddr)
	}
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
