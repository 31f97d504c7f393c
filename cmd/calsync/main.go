package main

import (
	"fmt"
	"os"
	"time"

	"calsync-go/internal/app"
	"calsync-go/internal/config"
	"calsync-go/internal/model"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Serve", "Subscribe").
func newApp(cmd *cobra.Command, operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cmd.Context(), cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// parseProvider validates the provider argument common to several commands.
func parseProvider(arg string) (model.Provider, error) {
	p := model.Provider(arg)
	if !p.Valid() {
		return "", fmt.Errorf("unknown provider %q (want google or microsoft)", arg)
	}
	return p, nil
}

var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Calendar event synchronization engine",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Store:       %s\n", cfg.Store.Type)
		fmt.Printf("Listen Addr: %s\n", cfg.Webhook.ListenAddr)
		fmt.Printf("Base URL:    %s\n", cfg.Webhook.PublicBaseURL)
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve provider webhooks and run background renewal",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Serve")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve()
	},
}

// subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe TENANT PROVIDER",
	Short: "Subscribe a tenant's calendar and run the initial sync",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		calendarID, _ := cmd.Flags().GetString("calendar")
		timezone, _ := cmd.Flags().GetString("timezone")

		p, err := parseProvider(args[1])
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "Subscribe")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Subscribe(cmd.Context(), args[0], p, calendarID, timezone); err != nil {
			return fmt.Errorf("subscribing: %w", err)
		}

		fmt.Printf("Subscribed %s/%s\n", args[0], p)
		return nil
	},
}

// unsubscribe command
var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe TENANT PROVIDER",
	Short: "Remove a tenant's subscription and sync state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := parseProvider(args[1])
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "Unsubscribe")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Unsubscribe(cmd.Context(), args[0], p); err != nil {
			return fmt.Errorf("unsubscribing: %w", err)
		}

		fmt.Printf("Unsubscribed %s/%s\n", args[0], p)
		return nil
	},
}

// resync command
var resyncCmd = &cobra.Command{
	Use:   "resync TENANT PROVIDER",
	Short: "Force a full baseline resync for a tenant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := parseProvider(args[1])
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "Resync")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Resync(cmd.Context(), args[0], p); err != nil {
			return fmt.Errorf("resyncing: %w", err)
		}

		fmt.Printf("Resynced %s/%s\n", args[0], p)
		return nil
	},
}

// states command
var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "List tenant sync states",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListStates")
		if err != nil {
			return err
		}
		defer a.Close()

		states, err := a.ListStates(cmd.Context())
		if err != nil {
			return err
		}

		if len(states) == 0 {
			fmt.Println("No sync states.")
			return nil
		}

		for _, s := range states {
			lastSynced := "never"
			if !s.LastSyncedAt.IsZero() {
				lastSynced = s.LastSyncedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-20s  %-10s  sub=%-40s  expires=%s  synced=%s\n",
				s.TenantID,
				s.Provider,
				s.SubscriptionID,
				s.SubscriptionExpiry.Format("2006-01-02 15:04"),
				lastSynced,
			)
		}
		return nil
	},
}

// day command
var dayCmd = &cobra.Command{
	Use:   "day TENANT [DATE]",
	Short: "List a tenant's events for one local day",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListDay")
		if err != nil {
			return err
		}
		defer a.Close()

		day := time.Now().Format("2006-01-02")
		if len(args) > 1 {
			if _, err := time.Parse("2006-01-02", args[1]); err != nil {
				return fmt.Errorf("invalid date %q (want 2006-01-02)", args[1])
			}
			day = args[1]
		}

		events, err := a.ListDay(cmd.Context(), args[0], day)
		if err != nil {
			return err
		}

		if len(events) == 0 {
			fmt.Printf("No events on %s.\n", day)
			return nil
		}

		for _, e := range events {
			span := e.Start.Format("15:04") + "-" + e.End.Format("15:04")
			if e.IsAllDay {
				span = "all day    "
			}
			fmt.Printf("%s  %-10s  %s\n", span, e.Provider, e.Title)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	subscribeCmd.Flags().String("calendar", "", "Provider calendar ID (default: primary)")
	subscribeCmd.Flags().String("timezone", "UTC", "Tenant IANA timezone for day listings")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(unsubscribeCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(statesCmd)
	rootCmd.AddCommand(dayCmd)
}
