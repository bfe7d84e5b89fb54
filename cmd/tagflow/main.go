package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/tagflow/internal/config"
	"github.com/stellarlinkco/tagflow/internal/cron"
	"github.com/stellarlinkco/tagflow/internal/gateway"
	"github.com/stellarlinkco/tagflow/internal/memory"
	"github.com/stellarlinkco/tagflow/internal/store"
)

// GatewayFactory builds the service graph for commands that need it.
type GatewayFactory func(cfg *config.Config) (*gateway.Gateway, error)

type cliOptions struct {
	gatewayFactory GatewayFactory
	envFiles       []string
}

func main() {
	if err := newRootCmd(cliOptions{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts cliOptions) *cobra.Command {
	if opts.gatewayFactory == nil {
		opts.gatewayFactory = gateway.New
	}

	root := &cobra.Command{
		Use:           "tagflow",
		Short:         "tagflow - tag-gated CRM conversation manager",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadEnvFiles(opts.envFiles)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and housekeeping jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gw, err := opts.gatewayFactory(cfg)
			if err != nil {
				return fmt.Errorf("create gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}

	onboardCmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write a default config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(cmd.OutOrStdout())
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout())
		},
	}

	var asJSON bool
	contactsCmd := &cobra.Command{
		Use:   "contacts",
		Short: "List contacts currently carrying the tracked tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContacts(cmd.Context(), cmd.OutOrStdout(), asJSON)
		},
	}
	contactsCmd.Flags().BoolVar(&asJSON, "json", false, "Print the registry as JSON")

	reindexCmd := &cobra.Command{
		Use:   "reindex <contact-id>",
		Short: "Rebuild a contact's retrieval index from its live window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(opts.gatewayFactory, func(gw *gateway.Gateway) error {
				n, err := gw.Manager().Reindex(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("reindex %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d messages for %s\n", n, args[0])
				return nil
			})
		},
	}

	compactCmd := &cobra.Command{
		Use:   "compact <contact-id>",
		Short: "Fold a contact's whole live window into its summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(opts.gatewayFactory, func(gw *gateway.Gateway) error {
				changed, err := gw.Manager().Compact(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("compact %s: %w", args[0], err)
				}
				if !changed {
					fmt.Fprintf(cmd.OutOrStdout(), "Nothing to compact for %s\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Compacted %s\n", args[0])
				return nil
			})
		},
	}

	root.AddCommand(serveCmd, onboardCmd, statusCmd, contactsCmd, reindexCmd, compactCmd)
	return root
}

// loadEnvFiles reads .env style files without overriding variables that are
// already set.
func loadEnvFiles(files []string) {
	if len(files) == 0 {
		files = []string{".env", filepath.Join(config.ConfigDir(), ".env")}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

func withGateway(factory GatewayFactory, fn func(gw *gateway.Gateway) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gw, err := factory(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Close()
	return fn(gw)
}

func runOnboard(out io.Writer) error {
	cfgPath := config.ConfigPath()
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, dir := range []string{cfg.Store.DataDir, cfg.Store.MessagesDir, cfg.Store.EmbeddingDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	fmt.Fprintf(out, "Data directory ready: %s\n", cfg.Store.DataDir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Write the CRM location token to %s\n", cfg.Store.TokenPath)
	fmt.Fprintln(out, "  2. Set OPENAI_API_KEY (or provider.apiKey) to enable replies")
	fmt.Fprintln(out, "  3. Run 'tagflow serve'")
	return nil
}

func runStatus(ctx context.Context, out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Tag: %s\n", cfg.Server.TagName)
	fmt.Fprintf(out, "Listen: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "Store: %s (%s)\n", cfg.Store.Backend, cfg.Store.DataDir)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Signature: verify=%v require=%v\n", cfg.Webhook.VerifySignature, cfg.Webhook.RequireSignature)
	fmt.Fprintf(out, "RAG: enabled=%v minSim=%.2f\n", cfg.RAG.Enabled, cfg.RAG.MinSim)
	fmt.Fprintf(out, "Media: enabled=%v\n", cfg.Media.Enabled)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Notify.Telegram.Enabled)

	if creds, err := store.LoadCredentials(cfg.Store.TokenPath); err != nil || creds.AccessToken == "" {
		fmt.Fprintln(out, "CRM token: missing")
	} else {
		fmt.Fprintf(out, "CRM token: set (location %s)\n", creds.LocationID)
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		fmt.Fprintf(out, "Sessions: error (%v)\n", err)
	} else {
		defer st.Close()
		if reg, err := st.LoadRegistry(ctx); err == nil {
			fmt.Fprintf(out, "Active contacts: %d (updated %s)\n", len(reg.ContactIDs), reg.LastUpdate)
			if cfg.RAG.Enabled {
				fmt.Fprintf(out, "Indexed messages (active): %d\n", indexedCount(cfg, reg.ContactIDs))
			}
		}
		if ids, err := st.ListSessions(ctx); err == nil {
			fmt.Fprintf(out, "Sessions: %d\n", len(ids))
		}
	}

	jobs, err := cron.LoadJobs(gateway.CronStatePath(cfg))
	if err != nil {
		fmt.Fprintf(out, "Jobs: error (%v)\n", err)
		return nil
	}
	for _, job := range jobs {
		last := "never"
		if job.State.LastRunAtMs > 0 {
			last = time.UnixMilli(job.State.LastRunAtMs).Format(time.RFC3339)
		}
		fmt.Fprintf(out, "Job %s: %s last=%s runs=%d", job.Name, job.State.LastStatus, last, job.State.Runs)
		if job.State.LastError != "" {
			fmt.Fprintf(out, " error=%q", job.State.LastError)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func indexedCount(cfg *config.Config, contactIDs []string) int {
	idx, err := memory.NewIndex(cfg.Store.EmbeddingDir, memory.NewEmbedder(cfg.RAG))
	if err != nil {
		return 0
	}
	total := 0
	for _, id := range contactIDs {
		if n, err := idx.Count(id); err == nil {
			total += n
		}
	}
	return total
}

func runContacts(ctx context.Context, out io.Writer, asJSON bool) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg, err := st.LoadRegistry(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"tag":        cfg.Server.TagName,
			"count":      len(reg.ContactIDs),
			"ids":        reg.ContactIDs,
			"lastUpdate": reg.LastUpdate,
		})
	}
	if len(reg.ContactIDs) == 0 {
		fmt.Fprintf(out, "No contacts tagged %q\n", cfg.Server.TagName)
		return nil
	}
	for _, id := range reg.ContactIDs {
		fmt.Fprintln(out, id)
	}
	return nil
}

func providerDisplay(t string) string {
	if strings.TrimSpace(t) == "" {
		return "openai (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}
