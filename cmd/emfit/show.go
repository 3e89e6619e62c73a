package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kacperjurak/emfit"
	"github.com/kacperjurak/emfit/internal/processing"
	"github.com/kacperjurak/emfit/pkg/atomdb"
	"github.com/kacperjurak/emfit/pkg/config"
)

func newShowCmd(root *rootOptions) *cobra.Command {
	var summary bool
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "List stored analyses or print one of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.load(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(s, false)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			if len(args) == 0 {
				ids, err := st.List(ctx)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(w, id)
				}
				return nil
			}

			if !summary {
				data, err := st.Get(ctx, args[0])
				if err != nil {
					return err
				}
				var buf bytes.Buffer
				if err := json.Indent(&buf, data, "", "  "); err != nil {
					return err
				}
				buf.WriteByte('\n')
				_, err = buf.WriteTo(w)
				return err
			}

			// Diagnostics need the database bound again.
			db, err := atomdb.Open(s.cfg.DatabaseRoot, s.log)
			if err != nil {
				return err
			}
			calc := atomdb.NewCalculator(db, s.cfg.AbundanceSet)
			a, err := st.LoadAnalysis(ctx, args[0], db, calc, s.log)
			if err != nil {
				return err
			}
			res := &processing.Result{Analysis: a}
			res.BestOrder, res.Best = appliedFit(a)
			if res.Best != nil && len(a.EMNodes) > 0 {
				if d, err := a.Diagnostics(); err == nil {
					res.Diagnostics = &d
				}
			}
			writeReport(w, res)
			return nil
		},
	}
	f := cmd.Flags()
	defaults := config.DefaultConfig()
	f.StringVar(&defaults.StorePath, "store", defaults.StorePath, "analysis store directory")
	f.StringVar(&defaults.DatabaseRoot, "db", defaults.DatabaseRoot, "atomic database root directory")
	f.StringVar(&defaults.AbundanceSet, "abundance", defaults.AbundanceSet, "abundance set name")
	f.BoolVarP(&summary, "summary", "s", false, "print a report instead of the raw JSON")
	return cmd
}

// appliedFit returns the search best whose node count matches the applied
// EM, falling back to the most recent search.
func appliedFit(a *emfit.Analysis) (int, *emfit.SearchSummary) {
	for _, sr := range a.Searches {
		if sr.Best != nil && sr.Order == len(a.EMNodes) {
			return sr.Order, sr.Best
		}
	}
	best, err := a.Best()
	if err != nil {
		return 0, nil
	}
	return a.LastSearch().Order, best
}
