package main

import (
	"fmt"
	"io"
	"math"
	"text/tabwriter"

	"github.com/kacperjurak/emfit/internal/processing"
)

func writeReport(w io.Writer, res *processing.Result) {
	if res == nil || res.Analysis == nil {
		return
	}
	fmt.Fprintf(w, "analysis %s: %d observations, %d searches\n",
		res.Analysis.ID, res.Analysis.Spectrum.Len(), len(res.Analysis.Searches))
	if res.Best == nil {
		fmt.Fprintln(w, "no valid fit")
		return
	}
	b := res.Best
	fmt.Fprintf(w, "best order %d: chi2 %.4g, reduced chi2 %.4g\n\n", res.BestOrder, b.ChiSquared, b.ReducedChiSquared)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tINDEX\tT [K]\tn [cm^-3]\tlog EM\t±")
	for i, idx := range b.Indices {
		errStr := "-"
		if i < len(b.LogEMError) && !math.IsNaN(b.LogEMError[i]) {
			errStr = fmt.Sprintf("%.3f", b.LogEMError[i])
		}
		fmt.Fprintf(tw, "%d\t%d\t%.3e\t%.3e\t%.3f\t%s\n", i, idx, b.Temperatures[i], b.Densities[i], b.LogEM[i], errStr)
	}
	tw.Flush()

	if c := res.Confidence; c != nil {
		fmt.Fprintf(w, "\n%.0f%% confidence region: %d grid combinations\n", 100*c.Level, len(c.Entries))
		for i := range c.TemperatureRange {
			fmt.Fprintf(w, "  node %d: T %.3e..%.3e K, log EM %.3f..%.3f\n", i,
				c.TemperatureRange[i][0], c.TemperatureRange[i][1],
				c.LogEMRange[i][0], c.LogEMRange[i][1])
		}
	}

	if d := res.Diagnostics; d != nil {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "OBS\tION\tWAVELENGTH\tI\tPRED\tI/PRED\t")
		for _, l := range d.Lines {
			flag := ""
			if l.Poor {
				flag = "poor"
			}
			fmt.Fprintf(tw, "%d\t%s\t%.3f\t%.4g\t%.4g\t%.3f\t%s\n", l.Index, l.Ion, l.Wavelength, l.Intensity, l.Predicted, l.IntOverPred, flag)
		}
		tw.Flush()
	}

	if len(res.Contributions) > 0 {
		fmt.Fprintln(w, "\nline contributions:")
		for _, c := range res.Contributions {
			fmt.Fprintf(w, "  obs %d  %-8s %.3f  %5.1f%%\n", c.Observation, c.Ion, c.Line.Wavelength, 100*c.Fraction)
		}
	}
}
