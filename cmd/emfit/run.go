package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kacperjurak/emfit"
	"github.com/kacperjurak/emfit/internal/processing"
	"github.com/kacperjurak/emfit/internal/utils"
	"github.com/kacperjurak/emfit/pkg/config"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		id      string
		output  string
		noStore bool
	)
	cmd := &cobra.Command{
		Use:   "run <spectrum-file>",
		Short: "Analyse one spectrum (YAML or JSON) and print the best fit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "summary" && output != "json" {
				return fmt.Errorf("unknown output %q: %w", output, emfit.ErrInvalidInput)
			}
			s, err := root.load(cmd)
			if err != nil {
				return err
			}
			spectrum, err := processing.LoadSpectrum(args[0])
			if err != nil {
				return err
			}
			db, err := openDatabase(s)
			if err != nil {
				return err
			}

			var saver processing.Saver
			if !noStore {
				st, err := openStore(s, false)
				if err != nil {
					return err
				}
				defer st.Close()
				saver = st
			}
			if id == "" {
				id = utils.GenerateID()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := processing.NewAnalysisProcessor(db, calculators(db), saver, s.log)
			res, err := p.Process(ctx, id, spectrum, s.cfg)
			if err != nil && !errors.Is(err, emfit.ErrNoValidFit) {
				return err
			}

			w := cmd.OutOrStdout()
			if output == "json" {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				if eerr := enc.Encode(res); eerr != nil {
					return eerr
				}
			} else {
				writeReport(w, res)
			}
			return err
		},
	}
	f := cmd.Flags()
	config.DefaultConfig().BindFlags(f)
	f.StringVar(&id, "id", "", "analysis ID (generated when empty)")
	f.StringVarP(&output, "output", "o", "summary", "summary or json")
	f.BoolVar(&noStore, "no-store", false, "do not persist the analysis")
	return cmd
}
