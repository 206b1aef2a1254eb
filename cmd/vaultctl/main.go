package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/VaultLedger/internal/auth"
	"github.com/jmerrifield20/VaultLedger/internal/config"
	"github.com/jmerrifield20/VaultLedger/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	bearerToken  string
	cfgFile      string
	outputFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vaultctl",
	Short: "VaultLedger CLI",
	Long: `vaultctl is the command-line interface for a VaultLedger server.

It records verdicts, reads and verifies the compliance and memory ledgers,
checks Merkle inclusion proofs locally, and drives the admission filter.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.vaultctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("VAULTCTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if bearerToken == "" {
			bearerToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.vaultctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "VaultLedger server URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&bearerToken, "token", "", "Bearer token for writes (see 'vaultctl token')")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "o", "text", "Output format: text or json")

	rootCmd.AddCommand(appendCmd, headCmd, verifyCmd, entryCmd, listCmd, sessionCmd, queryCmd, proofCmd)
	rootCmd.AddCommand(evaluateCmd, admitCmd, coolingCmd, reconsiderCmd)
	rootCmd.AddCommand(tokenCmd, versionCmd)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if bearerToken != "" {
		opts = append(opts, client.WithBearerToken(bearerToken))
	}
	return client.New(serverURL, opts...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printFields writes aligned "Key: value" lines, or v as JSON.
func printFields(cmd *cobra.Command, v any, fields [][2]string) error {
	if outputFormat == "json" {
		return printJSON(cmd.OutOrStdout(), v)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 1, ' ', 0)
	for _, f := range fields {
		fmt.Fprintf(w, "%s:\t%s\n", f[0], f[1])
	}
	return w.Flush()
}

func printEntries(cmd *cobra.Command, entries []*client.Entry) error {
	if outputFormat == "json" {
		return printJSON(cmd.OutOrStdout(), entries)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tVERDICT\tSESSION\tAUTHORITY\tTIMESTAMP\tENTRY HASH")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Sequence, e.Verdict, e.SessionID, e.Authority,
			e.Timestamp.Format(time.RFC3339), e.EntryHash.String()[:16])
	}
	return w.Flush()
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSubject string
	tokenScopes  []string
	tokenSecret  string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token signed with the server's JWT secret",
	Long: `token signs a bearer token locally with the same secret vaultd uses.

The secret, issuer and TTL are read from vaultd's configuration
(configs/vaultd.yaml, VAULT_AUTH_JWT_SECRET, ...) unless overridden:

  vaultctl token --subject reviewer-7 --scope ledger:write --scope eureka:admit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := config.Load(config.New())
		if err != nil {
			return err
		}
		secret := cfg.Auth.JWTSecret
		if tokenSecret != "" {
			secret = tokenSecret
		}
		ttl := cfg.Auth.TokenTTL
		if tokenTTL > 0 {
			ttl = tokenTTL
		}
		issuer, err := auth.NewTokenIssuer(secret, cfg.Auth.Issuer, ttl)
		if err != nil {
			return err
		}
		tok, err := issuer.Issue(tokenSubject, tokenScopes)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"token": tok, "subject": tokenSubject, "scopes": tokenScopes, "expires_in": int(ttl.Seconds()),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Authority recorded for appends made with this token (required)")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", []string{auth.ScopeLedgerWrite, auth.ScopeEurekaAdmit},
		"Scopes to grant: "+strings.Join([]string{auth.ScopeLedgerWrite, auth.ScopeEurekaAdmit}, ", "))
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "Override the JWT secret from vaultd's config")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Override the token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the vaultctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vaultctl %s (VaultLedger)\n", version)
	},
}
