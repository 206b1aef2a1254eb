package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/VaultLedger/pkg/client"
)

var (
	candSession  string
	candQuery    string
	candResponse string
	candContext  string
)

func addCandidateFlags(cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.Flags().StringVar(&candSession, "session", "", "Session ID")
		c.Flags().StringVar(&candQuery, "query", "", "Query text (required)")
		c.Flags().StringVar(&candResponse, "response", "", "Response text")
		c.Flags().StringVar(&candContext, "context", "", `Signals as JSON or @file, e.g. '{"irreversible":true}'`)
		_ = c.MarkFlagRequired("query")
	}
}

func init() {
	addCandidateFlags(evaluateCmd, admitCmd)
	coolingCmd.Flags().IntVar(&coolingLimit, "limit", 0, "Maximum items")
}

func candidate(cmd *cobra.Command) (client.Candidate, error) {
	ctxDoc, err := readDocument(cmd, candContext)
	if err != nil {
		return client.Candidate{}, err
	}
	return client.Candidate{SessionID: candSession, Query: candQuery, Response: candResponse, Context: ctxDoc}, nil
}

func scoreFields(s *client.Score) [][2]string {
	if s == nil {
		return nil
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	return [][2]string{
		{"Verdict", string(s.Verdict)},
		{"Composite", f(s.Composite)},
		{"Novelty", f(s.Novelty)},
		{"Entropy Reduction", f(s.EntropyReduction)},
		{"Ontological Shift", f(s.OntologicalShift)},
		{"Decision Weight", f(s.DecisionWeight)},
		{"Jaccard", f(s.JaccardSimilarity)},
		{"Exact Duplicate", strconv.FormatBool(s.ExactDuplicate)},
		{"Degraded", strconv.FormatBool(s.Degraded)},
	}
}

func decisionFields(d *client.Decision) [][2]string {
	fields := scoreFields(d.Score)
	if d.Receipt != nil {
		fields = append(fields,
			[2]string{"Memory Sequence", strconv.FormatInt(d.Receipt.Sequence, 10)},
			[2]string{"Entry Hash", d.Receipt.EntryHash.String()})
	}
	if d.CoolingID != "" {
		fields = append(fields, [2]string{"Cooling ID", d.CoolingID})
	}
	if d.Attempts > 0 {
		fields = append(fields, [2]string{"Attempts", strconv.Itoa(d.Attempts)})
	}
	if d.Dropped {
		fields = append(fields, [2]string{"Dropped", "true"})
	}
	return fields
}

// printDecision prints d, including the partial decision carried by a
// *client.DecisionError.
func printDecision(cmd *cobra.Command, d *client.Decision, err error) error {
	var de *client.DecisionError
	if errors.As(err, &de) && de.Decision != nil {
		if perr := printFields(cmd, de.Decision, decisionFields(de.Decision)); perr != nil {
			return perr
		}
		return err
	}
	if err != nil {
		return err
	}
	return printFields(cmd, d, decisionFields(d))
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score a candidate without routing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cand, err := candidate(cmd)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		s, err := c.Evaluate(cmd.Context(), cand)
		if err != nil {
			return err
		}
		return printFields(cmd, s, scoreFields(s))
	},
}

var admitCmd = &cobra.Command{
	Use:   "admit",
	Short: "Score a candidate and route it to memory, cooling or nowhere",
	RunE: func(cmd *cobra.Command, args []string) error {
		cand, err := candidate(cmd)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		d, err := c.Admit(cmd.Context(), cand)
		return printDecision(cmd, d, err)
	},
}

var coolingLimit int

var coolingCmd = &cobra.Command{
	Use:   "cooling [id]",
	Short: "List items held for reconsideration, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			it, err := c.CoolingItem(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fields := append([][2]string{
				{"ID", it.ID},
				{"Query", it.Query},
				{"Held At", it.HeldAt.Format("2006-01-02T15:04:05Z07:00")},
				{"Expires At", it.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")},
				{"Attempts", strconv.Itoa(it.Attempts)},
			}, scoreFields(it.Score)...)
			return printFields(cmd, it, fields)
		}

		items, err := c.Cooling(cmd.Context(), coolingLimit)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), items)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCOMPOSITE\tATTEMPTS\tEXPIRES\tQUERY")
		for _, it := range items {
			var composite float64
			if it.Score != nil {
				composite = it.Score.Composite
			}
			fmt.Fprintf(w, "%s\t%.4f\t%d\t%s\t%s\n",
				it.ID, composite, it.Attempts, it.ExpiresAt.Format("2006-01-02 15:04"), truncate(it.Query, 48))
		}
		return w.Flush()
	},
}

var reconsiderCmd = &cobra.Command{
	Use:   "reconsider <id>",
	Short: "Re-score a cooling item and route it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		d, err := c.Reconsider(cmd.Context(), args[0])
		return printDecision(cmd, d, err)
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
