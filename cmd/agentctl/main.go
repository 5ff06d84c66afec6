package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/agent-registry/internal/auth"
	"github.com/jmerrifield20/agent-registry/internal/similarity"
	"github.com/jmerrifield20/agent-registry/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

const defaultRegistryURL = "http://localhost:8080"

var cfgFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "Agent registry CLI",
	Long: `agentctl is the command-line interface for the agent registry.

It creates and manages agents, searches the catalog, and mints owner
tokens for local development. Settings come from flags, then
AGENTCTL_* environment variables, then ~/.agentctl/config.yaml.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath(agentctlHome())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("AGENTCTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.agentctl/config.yaml)")
	pf.String("registry", "", "registry base URL (default "+defaultRegistryURL+")")
	pf.String("token", "", "owner bearer token")
	pf.Duration("timeout", 30*time.Second, "per-request timeout")
	_ = viper.BindPFlag("registry_url", pf.Lookup("registry"))
	_ = viper.BindPFlag("token", pf.Lookup("token"))
	_ = viper.BindPFlag("timeout", pf.Lookup("timeout"))

	rootCmd.AddCommand(createCmd, getCmd, listCmd, searchCmd, matchCmd, deleteCmd,
		mqttCmd, credentialsCmd, historyCmd, simCmd, tokenCmd, versionCmd)
}

func agentctlHome() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentctl")
}

func keysDir() string {
	if d := viper.GetString("keys_dir"); d != "" {
		return d
	}
	return filepath.Join(agentctlHome(), "keys")
}

func newClient() (*client.Client, error) {
	base := viper.GetString("registry_url")
	if base == "" {
		base = defaultRegistryURL
	}
	opts := []client.Option{client.WithTimeout(viper.GetDuration("timeout"))}
	if tok := viper.GetString("token"); tok != "" {
		opts = append(opts, client.WithBearerToken(tok))
	}
	return client.New(base, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func csv(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ── create ───────────────────────────────────────────────────────────────────

var (
	createID          string
	createName        string
	createDescription string
	createAI          []string
	createProtocols   []string
	createIntegration []string
	createStatus      string
	createNoSaveKey   bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an agent",
	Long: `create registers a new agent under the token's owner.

The response includes the agent's seed. Unless --no-save-key is set it is
written to ~/.agentctl/keys/<id>.json with owner-only permissions; that
file is the only way to re-derive the agent's signing key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		agent, created, err := c.CreateAgent(cmd.Context(), client.CreateAgentRequest{
			ID:          createID,
			Name:        createName,
			Description: createDescription,
			Capabilities: client.Capabilities{
				AI:          csv(createAI),
				Protocols:   csv(createProtocols),
				Integration: csv(createIntegration),
			},
			Status: createStatus,
		})
		if err != nil {
			return fmt.Errorf("create agent: %w", err)
		}

		if created {
			fmt.Printf("✓ Agent created\n\n")
		} else {
			fmt.Printf("Agent already exists\n\n")
		}
		fmt.Printf("  ID:     %s\n", agent.ID)
		fmt.Printf("  DID:    %s\n", agent.DIDIdentifier)
		fmt.Printf("  Status: %s\n", agent.Status)

		if createNoSaveKey || agent.Seed == "" {
			return nil
		}
		key, err := client.KeyFromAgent(agent)
		if err != nil {
			return err
		}
		path, err := client.SaveAgentKey(keysDir(), key)
		if err != nil {
			return fmt.Errorf("save agent key: %w", err)
		}
		fmt.Printf("  Key:    %s\n", path)
		return nil
	},
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createID, "id", "", "client-chosen agent id; repeating the call returns the existing agent")
	f.StringVar(&createName, "name", "", "agent name")
	f.StringVar(&createDescription, "description", "", "agent description")
	f.StringSliceVar(&createAI, "ai", nil, "AI capabilities (comma-separated)")
	f.StringSliceVar(&createProtocols, "protocols", nil, "supported protocols (comma-separated)")
	f.StringSliceVar(&createIntegration, "integration", nil, "integrations (comma-separated)")
	f.StringVar(&createStatus, "status", "", "initial status (default ACTIVE)")
	f.BoolVar(&createNoSaveKey, "no-save-key", false, "do not write the agent seed to disk")
	_ = createCmd.MarkFlagRequired("name")
}

// ── get ──────────────────────────────────────────────────────────────────────

var getFormat string

var getCmd = &cobra.Command{
	Use:   "get <id|did> [id|did] ...",
	Short: "Fetch one or more agents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		// Fetch concurrently, keep input order.
		agents := make([]*client.Agent, len(args))
		errs := make([]error, len(args))
		g, ctx := errgroup.WithContext(cmd.Context())
		g.SetLimit(8)
		for i, ref := range args {
			g.Go(func() error {
				if strings.HasPrefix(ref, "did:") {
					agents[i], errs[i] = c.GetAgentByDID(ctx, ref)
				} else {
					agents[i], errs[i] = c.GetAgent(ctx, ref)
				}
				return nil
			})
		}
		_ = g.Wait()

		if getFormat == "json" {
			if len(agents) == 1 {
				if errs[0] != nil {
					return errs[0]
				}
				return printJSON(agents[0])
			}
			return printJSON(agents)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tDID\tERROR")
		var failed int
		for i, a := range agents {
			if errs[i] != nil {
				failed++
				fmt.Fprintf(w, "%s\t\t\t\t%s\n", args[i], errs[i])
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", a.ID, a.Name, a.Status, a.DIDIdentifier)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d lookups failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	getCmd.Flags().StringVar(&getFormat, "format", "text", "output format: text or json")
}

// ── list ─────────────────────────────────────────────────────────────────────

var (
	listMine   bool
	listStatus string
	listName   string
	listOwner  string
	listCaps   []string
	listLimit  int
	listOffset int
	listFormat string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var list *client.AgentList
		if listMine {
			list, err = c.MyAgents(cmd.Context(), listLimit, listOffset)
		} else {
			list, err = c.ListAgents(cmd.Context(), client.ListParams{
				Name:         listName,
				Status:       listStatus,
				Owner:        listOwner,
				Capabilities: csv(listCaps),
				Limit:        listLimit,
				Offset:       listOffset,
			})
		}
		if err != nil {
			return fmt.Errorf("list agents: %w", err)
		}
		if listFormat == "json" {
			return printJSON(list)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tOWNER")
		for _, a := range list.Agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Status, a.OwnerID)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d of %d\n", list.Count, list.Total)
		return nil
	},
}

func init() {
	f := listCmd.Flags()
	f.BoolVar(&listMine, "mine", false, "list agents owned by the token holder")
	f.StringVar(&listStatus, "status", "", "filter by status")
	f.StringVar(&listName, "name", "", "filter by name substring")
	f.StringVar(&listOwner, "owner", "", "filter by owner id")
	f.StringSliceVar(&listCaps, "capabilities", nil, "filter by capability (comma-separated)")
	f.IntVar(&listLimit, "limit", 0, "page size")
	f.IntVar(&listOffset, "offset", 0, "page offset")
	f.StringVar(&listFormat, "format", "text", "output format: text or json")
}

// ── search / match ───────────────────────────────────────────────────────────

var (
	searchKeyword string
	searchCaps    []string
	searchMode    string
	searchStatus  string
	searchLimit   int
	searchFormat  string
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the agent catalog",
	Long: `search queries the registry. Without --mode the registry picks:
a keyword runs a ranked (semantic) search, capabilities alone run a
lexical search, and neither lists agents.

  agentctl search --keyword "translate invoices"
  agentctl search --capabilities pdf,http --mode lexical`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Search(cmd.Context(), client.SearchParams{
			Keyword:      searchKeyword,
			Capabilities: csv(searchCaps),
			Mode:         searchMode,
			Status:       searchStatus,
			Limit:        searchLimit,
		})
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		return printSearch(res, searchFormat)
	},
}

func init() {
	f := searchCmd.Flags()
	f.StringVar(&searchKeyword, "keyword", "", "free-text query")
	f.StringSliceVar(&searchCaps, "capabilities", nil, "capabilities (comma-separated)")
	f.StringVar(&searchMode, "mode", "", "listing, ranked, lexical or fuzzy")
	f.StringVar(&searchStatus, "status", "", "filter by status")
	f.IntVar(&searchLimit, "limit", 0, "page size")
	f.StringVar(&searchFormat, "format", "text", "output format: text or json")
}

var matchFormat string

var matchCmd = &cobra.Command{
	Use:   "match <capability> [capability] ...",
	Short: "Find active agents by approximate capability name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Match(cmd.Context(), csv(args)...)
		if err != nil {
			return fmt.Errorf("match: %w", err)
		}
		return printSearch(res, matchFormat)
	},
}

func init() {
	matchCmd.Flags().StringVar(&matchFormat, "format", "text", "output format: text or json")
}

func printSearch(res *client.SearchResult, format string) error {
	if format == "json" {
		return printJSON(res)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tID\tNAME\tSTATUS")
	for _, r := range res.Results {
		fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\n", r.Score, r.Agent.ID, r.Agent.Name, r.Agent.Status)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nmode=%s  %d of %d\n", res.Mode, res.Count, res.Total)
	return nil
}

// ── delete / credentials ─────────────────────────────────────────────────────

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.DeleteAgent(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("delete agent: %w", err)
		}
		fmt.Printf("✓ Agent %s deleted\n", args[0])

		keyPath := filepath.Join(keysDir(), args[0]+".json")
		if err := os.Remove(keyPath); err == nil {
			fmt.Printf("  removed %s\n", keyPath)
		}
		return nil
	},
}

var mqttCmd = &cobra.Command{
	Use:   "mqtt <id> [uri]",
	Short: "Set or clear an agent's MQTT broker URI using its saved key",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := client.LoadAgentKey(keysDir(), args[0])
		if err != nil {
			return fmt.Errorf("load key: %w", err)
		}
		var uri string
		if len(args) == 2 {
			uri = args[1]
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		agent, err := c.UpdateMQTT(cmd.Context(), key.Seed, uri)
		if err != nil {
			return fmt.Errorf("update mqtt uri: %w", err)
		}
		if agent.MQTTURI == nil {
			fmt.Printf("✓ Agent %s: mqtt uri cleared\n", agent.ID)
			return nil
		}
		fmt.Printf("✓ Agent %s: mqtt uri %s\n", agent.ID, *agent.MQTTURI)
		return nil
	},
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials <id>",
	Short: "Show the issuer credentials held for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		creds, err := c.Credentials(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("credentials: %w", err)
		}
		return printJSON(creds)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the audited lifecycle events of an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.History(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "IDX\tTIME\tACTION\tACTOR\tHASH")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.12s\n",
				e.Index, e.Timestamp.Format(time.RFC3339), e.Action, e.Actor, e.Hash)
		}
		return w.Flush()
	},
}

// ── sim ──────────────────────────────────────────────────────────────────────

var simCmd = &cobra.Command{
	Use:   "sim <a> <b>",
	Short: "Print the fuzzy-match similarity of two capability names",
	Long: `sim scores two strings the way fuzzy search does. Both are
lowercased; a substring scores len(shorter)/len(longer), anything else
scores one minus the Levenshtein distance over the longer length. Fuzzy
search keeps pairs scoring at least 0.6.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, b := strings.ToLower(strings.TrimSpace(args[0])), strings.ToLower(strings.TrimSpace(args[1]))
		fmt.Printf("distance=%d score=%.3f\n",
			similarity.EditDistance(a, b),
			similarity.BestPair([]string{a}, []string{b}))
		return nil
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenOwner string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an owner token with the registry's shared secret",
	Long: `token signs an owner token locally. It needs the same secret the
registry runs with, read from --secret, AGENTCTL_AUTH_SECRET or the
auth_secret config key. Intended for development setups.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := viper.GetString("auth_secret")
		if secret == "" {
			return errors.New("no signing secret: set --secret or AGENTCTL_AUTH_SECRET")
		}
		issuer, err := auth.NewTokenIssuer(secret, viper.GetString("auth_issuer"), tokenTTL)
		if err != nil {
			return err
		}
		tok, err := issuer.Issue(tokenOwner)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenOwner, "owner", "", "owner id to embed in the token")
	f.String("secret", "", "shared signing secret")
	f.String("issuer", "agent-registry", "iss claim")
	f.DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = viper.BindPFlag("auth_secret", f.Lookup("secret"))
	_ = viper.BindPFlag("auth_issuer", f.Lookup("issuer"))
	_ = tokenCmd.MarkFlagRequired("owner")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("agentctl", version)
	},
}
