// Package report renders analysis results as a ranked plain-text report.
package report

import (
	"fmt"
	"io"

	"github.com/heaptrace/heaptrace/internal/analyze"
)

// Write renders res to w: a short trace summary followed by one block per
// hotspot, most heavily weighted first.
func Write(w io.Writer, res *analyze.Result) error {
	if _, err := fmt.Fprintf(w, "trace %s\n", res.TracePath); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w,
		"%d packets, %d allocations, %d promotions, %d collections, %d locations\n",
		res.Info.Packets, res.Info.Allocs, res.Info.Promotes, res.Info.Collects, res.Info.Locations)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "total weight %d samples, frequency floor %g, error bound %g\n\n",
		res.TotalWeight, res.Frequency, res.ErrorBound)
	if err != nil {
		return err
	}

	if len(res.Hotspots) == 0 {
		_, err = fmt.Fprintln(w, "no hotspots above the frequency floor")
		return err
	}

	for _, h := range res.Hotspots {
		share := 0.0
		if res.TotalWeight > 0 {
			share = 100 * float64(h.Light) / float64(res.TotalWeight)
		}
		_, err = fmt.Fprintf(w, "#%d  %d samples (%.1f%%), subtree %d, upper bound %d\n",
			h.Rank, h.Light, share, h.Total, h.Upper)
		if err != nil {
			return err
		}
		for _, f := range h.Frames {
			if _, err = fmt.Fprintf(w, "    %s\n", FormatFrame(f)); err != nil {
				return err
			}
		}
		if _, err = fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// FormatFrame renders one frame as file:line:col-col name.
func FormatFrame(f analyze.Frame) string {
	if f.Line == 0 && f.StartCol == 0 && f.EndCol == 0 {
		return fmt.Sprintf("%s %s", f.Filename, f.Defname)
	}
	return fmt.Sprintf("%s:%d:%d-%d %s", f.Filename, f.Line, f.StartCol, f.EndCol, f.Defname)
}
