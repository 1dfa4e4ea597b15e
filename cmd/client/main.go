// Package main is the chat client entrypoint.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dpolygon/climessaging/internal/client"
	"github.com/dpolygon/climessaging/internal/config"
	"github.com/dpolygon/climessaging/internal/logging"
)

var (
	configPath string
	username   string
	logLevel   string
	echo       bool

	rootCmd = &cobra.Command{
		Use:   "client [host] [port]",
		Short: "Joins a UDP chat hub.",
		Long: "Joins a UDP chat hub. Missing host, port or name are asked for interactively. " +
			"Type " + client.QuitToken + " or close standard input to leave.",
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	flags.StringVarP(&username, "name", "n", "", "name other users see")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&echo, "echo", false, "print your own messages when the hub relays them")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the file and applies arguments and flags
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if len(args) >= 1 {
		cfg.Client.ServerHost = args[0]
	}
	if len(args) == 2 {
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", args[1], err)
		}
		cfg.Client.ServerPort = port
	}
	if cmd.Flags().Changed("name") {
		cfg.Client.Username = username
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("echo") {
		cfg.Client.Echo = echo
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	if cfg.Client.ServerHost == "" {
		cfg.Client.ServerHost = askHost()
	}
	if len(args) < 2 && configPath == "" {
		cfg.Client.ServerPort = askPort(cfg.Client.ServerPort)
	}
	if cfg.Client.Username == "" {
		cfg.Client.Username = askName()
	}
	pterm.Info.Println(fmt.Sprintf("Welcome %s", cfg.Client.Username))

	logger, closeLog := logging.New(cfg.Logging)
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	c := client.New(&cfg.Client, &cfg.Liveness, logger, os.Stdout)
	return sessionError(c.Run(ctx, lines))
}

// sessionError treats cancellation, wrapped or not, as a clean exit
func sessionError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("chat session failed: %w", err)
}

// readLines forwards each line of r and closes lines at end of input
func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// askHost prompts until a non-empty host is entered.
func askHost() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Server host name or IPv4 address").
			Show()

		host := strings.TrimSpace(raw)
		if host != "" {
			pterm.Println()
			return host
		}

		pterm.Println()
		pterm.Warning.Println("invalid input: please enter a host name or address")
	}
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(current int) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Server port").
			WithDefaultValue(strconv.Itoa(current)).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		pterm.Warning.Println("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askName prompts for the display name.
func askName() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("What name would you like your friends to know you by?").
			Show()

		name := strings.TrimSpace(raw)
		if name != "" && len(name) <= config.MaxUsernameLength {
			pterm.Println()
			return name
		}

		pterm.Println()
		pterm.Warning.Println(fmt.Sprintf("invalid name: must be 1 ~ %d bytes", config.MaxUsernameLength))
	}
}
