package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/raykavin/coinalert"
	"github.com/raykavin/coinalert/pkg/alert"
	"github.com/raykavin/coinalert/pkg/coincache"
	"github.com/raykavin/coinalert/pkg/coingecko"
	"github.com/raykavin/coinalert/pkg/config"
	"github.com/raykavin/coinalert/pkg/core"
	"github.com/raykavin/coinalert/pkg/logger"
	"github.com/raykavin/coinalert/pkg/news"
	"github.com/raykavin/coinalert/pkg/notification"
	"github.com/raykavin/coinalert/pkg/storage"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const activityLimit = 20

// Command line flags
var (
	envFile string

	// Coins command flags
	force bool
	limit int

	// Subs command flags
	chatID   string
	activity string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "coinalert",
		Short:   "Telegram bot with crypto price alerts and news",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Dotenv file loaded before the environment")

	rootCmd.AddCommand(buildRunCmd())
	rootCmd.AddCommand(buildCoinsCmd())
	rootCmd.AddCommand(buildNewsCmd())
	rootCmd.AddCommand(buildSubsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func buildRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the Telegram bot and the alert jobs",
		RunE:  runBot,
	}
}

func buildCoinsCmd() *cobra.Command {
	coinsCmd := &cobra.Command{
		Use:   "coins",
		Short: "Refresh the coin cache and print the top coins",
		RunE:  runCoins,
	}

	coinsCmd.Flags().BoolVarP(&force, "force", "f", false, "Ignore a fresh cache file and download the universe")
	coinsCmd.Flags().IntVarP(&limit, "limit", "l", 20, "Number of coins to print")

	return coinsCmd
}

func buildNewsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "news",
		Short: "Print the current rising news feed",
		RunE:  runNews,
	}
}

func buildSubsCmd() *cobra.Command {
	subsCmd := &cobra.Command{
		Use:   "subs",
		Short: "Print stored subscriptions",
		RunE:  runSubs,
	}

	subsCmd.Flags().StringVarP(&chatID, "chat", "c", "", "Only show this chat")
	subsCmd.Flags().StringVarP(&activity, "activity", "a", "", "Also show recent activity of this user id")

	return subsCmd
}

// setup loads and validates the settings and builds the logger
func setup() (*core.Settings, logger.Logger, error) {
	settings, err := config.Load(envFile)
	if err != nil {
		return nil, nil, err
	}

	log, err := coinalert.NewLogger(settings.Log)
	if err != nil {
		return nil, nil, err
	}

	return settings, log, nil
}

func runBot(cmd *cobra.Command, _ []string) error {
	settings, log, err := setup()
	if err != nil {
		return err
	}

	app, err := coinalert.New(settings, log)
	if err != nil {
		log.WithError(err).Error("failed to start")
		return err
	}

	return app.Run(cmd.Context())
}

func runCoins(cmd *cobra.Command, _ []string) error {
	settings, log, err := setup()
	if err != nil {
		return err
	}

	client := coingecko.NewClient(settings.CoinGecko)
	defer client.Close()

	bar := progressbar.Default(-1, "fetching coins")
	manager := coincache.NewManager(client, settings, log,
		coincache.WithPageHook(func(_, count int) {
			_ = bar.Add(count)
		}),
	)
	defer manager.Close()

	coins, err := manager.GetAllCoins(cmd.Context(), force)
	_ = bar.Finish()
	if err != nil {
		return err
	}

	ranked := coins.Ranked()
	if limit > 0 && limit < len(ranked) {
		ranked = ranked[:limit]
	}

	fmt.Printf("%d coins cached", len(coins))
	if snapshot := manager.Snapshot(); snapshot != nil {
		fmt.Printf(", updated %s", snapshot.UpdatedAt().Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Println()
	fmt.Print(notification.CoinsTable(ranked))
	return nil
}

func runNews(cmd *cobra.Command, _ []string) error {
	settings, log, err := setup()
	if err != nil {
		return err
	}

	client := news.NewClient(settings.CryptoPanic, log)
	defer client.Close()

	result := client.FetchNews(cmd.Context())
	if len(result.Results) == 0 {
		fmt.Println("No news available.")
		return nil
	}

	for _, item := range result.Results {
		fmt.Printf("%s\n\n", alert.FormatNews(item))
	}

	return nil
}

func runSubs(cmd *cobra.Command, _ []string) error {
	settings, log, err := setup()
	if err != nil {
		return err
	}

	store, err := storage.FromSQLite(settings.Database.File, settings.Subscriptions.Max, log)
	if err != nil {
		return err
	}
	defer store.Close()

	subscriptions, err := store.ListSubscriptions(cmd.Context(), chatID)
	if err != nil {
		return err
	}

	fmt.Print(notification.SubscriptionsTable(subscriptions))

	if chatID != "" {
		count, err := store.CountSubscriptions(cmd.Context(), chatID)
		if err != nil {
			return err
		}
		fmt.Printf("chat %s: %d/%d subscriptions\n", chatID, count, settings.Subscriptions.Max)
	}

	if activity == "" {
		return nil
	}

	entries, err := store.Activity(cmd.Context(), activity, activityLimit)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Time", "Login", "Action", "Details"})
	for _, entry := range entries {
		table.Append([]string{
			entry.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			entry.Login,
			entry.Action,
			strings.TrimSpace(entry.Details),
		})
	}
	table.Render()

	return nil
}
