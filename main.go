package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/bootstrap"
	"github.com/go-fleetgate/fleetgate/internal/config"
	"github.com/go-fleetgate/fleetgate/internal/middleware"
	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/version"
)

func main() {
	// Define flags
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Usage = printUsage
	flag.Parse()

	// Show version and exit if requested
	if *showVersion {
		version.PrintVersion("")
		os.Exit(0)
	}

	// Check if command is provided
	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Handle subcommands
	switch args[0] {
	case "server":
		runServer()
	case "token":
		runToken(args[1:])
	case "version":
		version.PrintVersion("")
	default:
		fmt.Printf("Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("Usage: %s [OPTIONS] COMMAND\n\n", os.Args[0])
	fmt.Println("Device fleet control plane: pairing, sessions, commands and skills")
	fmt.Println("\nCommands:")
	fmt.Println("  server    Start the control plane")
	fmt.Println("  token     Issue an admin API token")
	fmt.Println("  version   Show version information")
	fmt.Println("\nOptions:")
	fmt.Println("  -v, --version    Show version information")
	fmt.Println("  -h, --help       Show this help message")
}

func runServer() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.Run(ctx, config.Load()); err != nil {
		log.Fatalf("%v", err)
	}
}

// runToken signs an admin API token with JWT_SECRET
func runToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("sub", "", "Subject (owner or operator id)")
	role := fs.String("role", models.RoleOwner, "Role: owner or operator")
	ttl := fs.Duration("ttl", 0, "Token lifetime (default JWT_EXPIRATION)")
	_ = fs.Parse(args)

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "token: -sub is required")
		os.Exit(1)
	}
	if *role != models.RoleOwner && *role != models.RoleOperator {
		fmt.Fprintf(os.Stderr, "token: unknown role %q\n", *role)
		os.Exit(1)
	}

	cfg := config.Load()
	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.JWTExpiration
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}

	token, err := middleware.IssueAdminToken(cfg.JWTSecret, *subject, *role, lifetime)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Println(token)
}
