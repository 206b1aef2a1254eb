package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
	"github.com/jmerrifield20/VaultLedger/pkg/client"
)

var ledgerName string

func addLedgerFlag(cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.Flags().StringVarP(&ledgerName, "ledger", "l", vault.ComplianceLedger, "Ledger name: compliance or memory")
	}
}

func init() {
	addLedgerFlag(appendCmd, headCmd, verifyCmd, entryCmd, listCmd, sessionCmd, queryCmd, proofCmd)
}

func parseSeq(s string) (int64, error) {
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seq < 1 {
		return 0, fmt.Errorf("invalid sequence %q: must be a positive integer", s)
	}
	return seq, nil
}

// readDocument parses inline JSON, or a file when the value starts with @
// (@- reads stdin).
func readDocument(cmd *cobra.Command, value string) (canonical.Document, error) {
	if value == "" {
		return canonical.Document{}, nil
	}
	raw := []byte(value)
	if value[0] == '@' {
		var err error
		if value == "@-" {
			raw, err = io.ReadAll(cmd.InOrStdin())
		} else {
			raw, err = os.ReadFile(value[1:])
		}
		if err != nil {
			return canonical.Document{}, fmt.Errorf("read payload: %w", err)
		}
	}
	return canonical.ParseDocument(raw)
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendSession   string
	appendVerdict   string
	appendPayload   string
	appendAuthority string
	appendSealID    string
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Record a verdict on a ledger",
	Long: `append records one verdict. The payload is inline JSON or @file (@- for stdin):

  vaultctl append --session s-42 --verdict SEAL --payload '{"rule":"r1"}'

When the server cannot commit durably the command fails and reports the
forced verdict (VOID for a requested SEAL) and the degraded path taken.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		verdict, err := vault.ParseVerdict(appendVerdict)
		if err != nil {
			return err
		}
		payload, err := readDocument(cmd, appendPayload)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}

		out, err := c.Append(cmd.Context(), ledgerName, client.AppendRequest{
			SessionID: appendSession,
			Verdict:   verdict,
			Payload:   payload,
			Authority: appendAuthority,
			SealID:    appendSealID,
		})
		var fc *client.FailClosedError
		if errors.As(err, &fc) {
			if outputFormat == "json" {
				_ = printJSON(cmd.OutOrStdout(), fc)
			}
			return fmt.Errorf("fail-closed: %s recorded as %s (path %s, durability %s)",
				fc.RequestedVerdict, fc.Verdict, fc.Path, fc.Durability)
		}
		if err != nil {
			return err
		}
		r := out.Receipt
		return printFields(cmd, out, [][2]string{
			{"Ledger", out.Ledger},
			{"Verdict", string(out.Verdict)},
			{"Sequence", strconv.FormatInt(r.Sequence, 10)},
			{"Seal ID", r.SealID.String()},
			{"Entry Hash", r.EntryHash.String()},
			{"Prev Hash", r.PrevHash.String()},
			{"Merkle Root", r.MerkleRoot.String()},
			{"Timestamp", r.Timestamp.Format(time.RFC3339Nano)},
		})
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendSession, "session", "", "Session ID (required)")
	appendCmd.Flags().StringVar(&appendVerdict, "verdict", "", "SEAL, VOID, PARTIAL or SABAR (required)")
	appendCmd.Flags().StringVar(&appendPayload, "payload", "", "JSON object, or @file")
	appendCmd.Flags().StringVar(&appendAuthority, "authority", "", "Recording authority (ignored when the server uses tokens)")
	appendCmd.Flags().StringVar(&appendSealID, "seal-id", "", "Seal UUID (generated when empty)")
	_ = appendCmd.MarkFlagRequired("session")
	_ = appendCmd.MarkFlagRequired("verdict")
}

// ── head / verify ────────────────────────────────────────────────────────────

var headCmd = &cobra.Command{
	Use:   "head",
	Short: "Show a ledger's chain head and Merkle root",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		h, err := c.Head(cmd.Context(), ledgerName)
		if err != nil {
			return err
		}
		return printFields(cmd, h, [][2]string{
			{"Ledger", h.Ledger},
			{"Entries", strconv.FormatInt(h.Entries, 10)},
			{"Chain Head", h.ChainHeadHash.String()},
			{"Merkle Root", h.MerkleRoot.String()},
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Walk the whole chain and report the first invalid entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Verify(cmd.Context(), ledgerName)
		if err != nil {
			return err
		}
		if err := printFields(cmd, res, [][2]string{
			{"Valid", strconv.FormatBool(res.Valid)},
			{"Entries", strconv.FormatInt(res.Entries, 10)},
		}); err != nil {
			return err
		}
		return res.Err()
	},
}

// ── entry / list / session / query ───────────────────────────────────────────

var entryCmd = &cobra.Command{
	Use:   "entry <seq>",
	Short: "Show one ledger entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := parseSeq(args[0])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		e, err := c.GetEntry(cmd.Context(), ledgerName, seq)
		if err != nil {
			return err
		}
		return printFields(cmd, e, [][2]string{
			{"Sequence", strconv.FormatInt(e.Sequence, 10)},
			{"Session", e.SessionID},
			{"Verdict", string(e.Verdict)},
			{"Authority", e.Authority},
			{"Seal ID", e.SealID.String()},
			{"Timestamp", e.Timestamp.Format(time.RFC3339Nano)},
			{"Payload", e.Payload.String()},
			{"Entry Hash", e.EntryHash.String()},
			{"Prev Hash", e.PrevHash.String()},
			{"Merkle Root", e.MerkleRoot.String()},
		})
	},
}

var (
	listCursor string
	listLimit  int
	listAll    bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Page through ledger entries in sequence order",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var entries []*client.Entry
		cursor := listCursor
		var next *string
		for {
			page, err := c.ListEntries(cmd.Context(), ledgerName, cursor, listLimit)
			if err != nil {
				return err
			}
			entries = append(entries, page.Entries...)
			next = page.NextCursor
			if !listAll || !page.HasMore || next == nil {
				break
			}
			cursor = *next
		}
		if err := printEntries(cmd, entries); err != nil {
			return err
		}
		if next != nil && outputFormat != "json" {
			fmt.Fprintf(cmd.ErrOrStderr(), "more entries: --cursor %s\n", *next)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listCursor, "cursor", "", "Start after this sequence")
	listCmd.Flags().IntVar(&listLimit, "limit", vault.DefaultPageSize, "Page size")
	listCmd.Flags().BoolVar(&listAll, "all", false, "Follow cursors until the end of the ledger")
}

var sessionCmd = &cobra.Command{
	Use:   "session <session-id>",
	Short: "List every entry of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.Session(cmd.Context(), ledgerName, args[0])
		if err != nil {
			return err
		}
		return printEntries(cmd, entries)
	},
}

var (
	queryStart string
	queryEnd   string
	queryLimit int
)

var queryCmd = &cobra.Command{
	Use:   "query <verdict>",
	Short: "List entries with a verdict, optionally within [start, end)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verdict, err := vault.ParseVerdict(args[0])
		if err != nil {
			return err
		}
		q := client.VerdictQuery{Verdict: verdict, Limit: queryLimit}
		if queryStart != "" {
			if q.Start, err = time.Parse(time.RFC3339, queryStart); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
		}
		if queryEnd != "" {
			if q.End, err = time.Parse(time.RFC3339, queryEnd); err != nil {
				return fmt.Errorf("--end: %w", err)
			}
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.QueryByVerdict(cmd.Context(), ledgerName, q)
		if err != nil {
			return err
		}
		return printEntries(cmd, entries)
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryStart, "start", "", "Inclusive lower bound (RFC 3339)")
	queryCmd.Flags().StringVar(&queryEnd, "end", "", "Exclusive upper bound (RFC 3339)")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "Maximum entries")
}

// ── proof ────────────────────────────────────────────────────────────────────

var proofCmd = &cobra.Command{
	Use:   "proof <seq>",
	Short: "Fetch an entry's Merkle inclusion proof and verify it locally",
	Long: `proof recomputes the entry hash from the entry's content, folds the
inclusion path and compares the result with the root the server reports.
It exits non-zero when any step disagrees.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := parseSeq(args[0])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		e, err := c.GetEntry(cmd.Context(), ledgerName, seq)
		if err != nil {
			return err
		}
		p, err := c.Proof(cmd.Context(), ledgerName, seq)
		if err != nil {
			return err
		}
		if p.Proof == nil {
			return fmt.Errorf("server returned no proof for sequence %d", seq)
		}
		ok := client.VerifyProof(e, p)
		if err := printFields(cmd, p, [][2]string{
			{"Sequence", strconv.FormatInt(seq, 10)},
			{"Leaf", e.EntryHash.String()},
			{"Root", p.Root.String()},
			{"Tree Size", strconv.FormatUint(p.Proof.TreeSize, 10)},
			{"Path Length", strconv.Itoa(len(p.Proof.Path))},
			{"Verified", strconv.FormatBool(ok)},
		}); err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("inclusion proof for sequence %d did not verify", seq)
		}
		return nil
	},
}
