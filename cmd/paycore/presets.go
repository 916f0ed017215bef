package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/paycore/internal/regime"
)

func presetsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "presets [name]",
		Short: "Show the built-in regimes, their limits and rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names := regime.Presets()
			if len(args) == 1 {
				names = args
			}
			regs := make([]*regime.Regime, 0, len(names))
			for _, name := range names {
				r, err := regime.BuildPreset(name)
				if err != nil {
					return err
				}
				regs = append(regs, r)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				type view struct {
					*regime.Regime
					Rules []*regime.Rule `json:"rules"`
				}
				views := make([]view, len(regs))
				for i, r := range regs {
					views[i] = view{Regime: r, Rules: r.Rules()}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}

			for i, r := range regs {
				if i > 0 {
					fmt.Fprintln(out)
				}
				fmt.Fprintf(out, "%s v%s (%s risk) - %s\n", r.Name, r.Version, r.RiskTier, r.Description)
				fmt.Fprintf(out, "  daily cap %s, per-tx cap %s, max %d tx/day, assets %s\n",
					r.Limits.DailyCap, r.Limits.PerTxCap, r.Limits.MaxTxPerDay, strings.Join(r.Limits.AllowedAssets, ","))
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "  PRIORITY\tRULE\tACTION\tCONDITION")
				for _, rule := range r.Rules() {
					fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\n", rule.Priority, rule.ID, rule.Action, rule.Source)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}
