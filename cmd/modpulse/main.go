package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/splax/modpulse/pkg/admin"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

const requestTimeout = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "status":
		err = commandStatus(args)
	case "monitor":
		err = commandMonitor(args)
	case "metrics":
		err = commandMetrics(args)
	case "notifications":
		err = commandNotifications(args)
	case "invalidate":
		err = commandInvalidate(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "Admin access token (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+admin.DefaultBaseURL+")")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		fmt.Print("Access token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret == "" {
		return errors.New("access token is required")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	cfg.AccessToken = secret

	client, err := admin.New(cfg.APIBaseURL, admin.WithToken(secret))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := client.Status(ctx); err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	check := fs.Bool("check", false, "Probe datastores before reporting")
	database := fs.String("database", "", "Limit the probe to one database")
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var report admin.StatusReport
	if *check {
		report, err = client.ControlStatus(ctx, admin.StatusAction{Action: "check", Database: strings.TrimSpace(*database)})
	} else {
		report, err = client.Status(ctx)
	}
	if err != nil {
		return err
	}
	printStatus(report)
	return nil
}

func commandMonitor(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: modpulse monitor [start|stop|configure]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("monitor "+sub, flag.ExitOnError)
	interval := fs.Duration("interval", 0, "Automatic check interval")
	timeout := fs.Duration("timeout", 0, "Per-probe timeout")
	fs.Parse(args[1:])

	switch sub {
	case "start", "stop", "configure":
	default:
		return fmt.Errorf("unknown monitor command: %s", sub)
	}
	if *interval < 0 || *timeout < 0 {
		return errors.New("durations must be positive")
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	report, err := client.ControlStatus(ctx, admin.StatusAction{Action: sub, Interval: *interval, Timeout: *timeout})
	if err != nil {
		return err
	}
	printStatus(report)
	return nil
}

func commandMetrics(args []string) error {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	database := fs.String("database", "", "Filter to one database (postgresql|mongodb)")
	reset := fs.Bool("reset", false, "Reset metrics instead of printing them")
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if *reset {
		if err := client.ResetMetrics(ctx, *database); err != nil {
			return err
		}
		fmt.Println("metrics reset")
		return nil
	}
	payload, err := client.Metrics(ctx, *database)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func commandNotifications(args []string) error {
	fs := flag.NewFlagSet("notifications", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Maximum number of notifications to pop")
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	batch, err := client.Notifications(ctx, *limit)
	if err != nil {
		return err
	}
	for _, n := range batch.Notifications {
		fmt.Printf("%s\t%d\t%s\t%s/%s\t%s\n", n.ID, n.Priority, n.Kind, n.EntityType, n.EntityID, n.CreatedAt.Format(time.RFC3339))
	}
	fmt.Printf("%d remaining\n", batch.Remaining)
	return nil
}

func commandInvalidate(args []string) error {
	fs := flag.NewFlagSet("invalidate", flag.ExitOnError)
	namespace := fs.String("namespace", "", "Cache namespace (post|group|analytics)")
	id := fs.String("id", "", "Entity identifier")
	fs.Parse(args)

	if strings.TrimSpace(*namespace) == "" {
		return errors.New("--namespace is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	removed, err := client.Invalidate(ctx, *namespace, *id)
	if err != nil {
		return err
	}
	fmt.Printf("%d entries removed\n", removed)
	return nil
}

func authedClient() (*admin.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, errors.New("please login first using 'modpulse login'")
	}
	return admin.New(cfg.APIBaseURL, admin.WithToken(token))
}

func printStatus(report admin.StatusReport) {
	names := make([]string, 0, len(report.Status))
	for name := range report.Status {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := report.Status[name]
		latency := "-"
		if s.ResponseTimeMS != nil {
			latency = fmt.Sprintf("%.1fms", *s.ResponseTimeMS)
		}
		line := fmt.Sprintf("%s\t%s\t%s\tpool=%d/%d", name, s.Status, latency, s.PoolStats.AvailableConnections, s.PoolStats.PoolSize)
		if s.Error != nil {
			line += "\t" + *s.Error
		}
		fmt.Println(line)
	}
	state := "stopped"
	if report.Monitoring.Running {
		state = "running"
	}
	fmt.Printf("monitoring %s (interval %ds, timeout %ds)\n", state, report.Monitoring.IntervalSeconds, report.Monitoring.TimeoutSeconds)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: admin.DefaultBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = admin.DefaultBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "modpulse", "config.json"), nil
}

func printUsage() {
	fmt.Printf("modpulse CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	modpulse login [--token <jwt>] [--api http://localhost:4000]
	modpulse status [--check] [--database postgresql|mongodb]
	modpulse monitor start|stop|configure [--interval 30s] [--timeout 5s]
	modpulse metrics [--database name] [--reset]
	modpulse notifications [--limit N]
	modpulse invalidate --namespace <name> [--id <id>]
	modpulse version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
