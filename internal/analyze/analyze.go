// Package analyze drives a full analysis run: it streams a finalized trace
// through the reader, feeds every sampled backtrace into the suffix-tree
// heavy-hitter engine, and resolves the surviving hotspots against the
// trace's location table.
package analyze

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/heaptrace/heaptrace/internal/hotspot"
	"github.com/heaptrace/heaptrace/internal/trace"
)

// terminator closes every sequence handed to the suffix tree, so that whole
// stacks occupy their own loci. Location identifiers are program addresses
// and never collide with it.
const terminator = hotspot.Token(math.MaxUint64)

// DefaultFrequency is the reporting floor used when the caller does not
// supply one.
const DefaultFrequency = 0.01

// DefaultErrorBound is the lossy-counting error bound: the undercount of
// any reported weight stays below this fraction of the total weight.
const DefaultErrorBound = 0.001

// Options configure an analysis run.
type Options struct {
	// Frequency is the heavy-hitter floor in (0, 1].
	Frequency float64
	// ErrorBound is the lossy-counting error bound in (0, 1].
	ErrorBound float64
}

// Frame is one resolved source position of a hotspot backtrace.
type Frame struct {
	Filename string `json:"filename"`
	Defname  string `json:"defname"`
	Line     uint32 `json:"line"`
	StartCol uint16 `json:"start_col"`
	EndCol   uint16 `json:"end_col"`
}

// Hotspot is one ranked entry of the final report.
type Hotspot struct {
	Rank   int     `json:"rank"`
	Light  int64   `json:"light"`
	Total  int64   `json:"total"`
	Upper  int64   `json:"upper"`
	Frames []Frame `json:"frames"`
}

// Result is the outcome of analyzing one trace.
type Result struct {
	TracePath   string          `json:"trace_path"`
	Frequency   float64         `json:"frequency"`
	ErrorBound  float64         `json:"error_bound"`
	TotalWeight int64           `json:"total_weight"`
	Info        trace.TraceInfo `json:"info"`
	Hotspots    []Hotspot       `json:"hotspots"`
	CreatedAt   time.Time       `json:"created_at"`
}

// File analyzes the trace file at path.
func File(path string, opts Options) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("analyze: open trace: %w", err)
	}
	defer f.Close()

	res, err := Stream(f, opts)
	if err != nil {
		return nil, err
	}
	res.TracePath = path
	return res, nil
}

// Stream analyzes a trace read from src.
func Stream(src io.Reader, opts Options) (*Result, error) {
	if opts.Frequency <= 0 || opts.Frequency > 1 {
		opts.Frequency = DefaultFrequency
	}
	if opts.ErrorBound <= 0 || opts.ErrorBound > 1 {
		opts.ErrorBound = DefaultErrorBound
	}

	r := trace.NewReader(src)
	tree := hotspot.New(opts.ErrorBound)

	var seq []hotspot.Token
	err := r.Iterate(func(ts uint64, ev trace.Event) error {
		alloc, ok := ev.(trace.AllocEvent)
		if !ok {
			return nil
		}
		seq = dedup(seq[:0], alloc.Backtrace)
		seq = append(seq, terminator)
		tree.Insert(append([]hotspot.Token(nil), seq...), int64(alloc.Samples))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}

	res := &Result{
		Frequency:   opts.Frequency,
		ErrorBound:  opts.ErrorBound,
		TotalWeight: tree.Total(),
		Info:        r.Info(),
		CreatedAt:   time.Now().UTC(),
	}

	for _, h := range tree.HeavyHitters(opts.Frequency) {
		frames := resolveFrames(r, h.Tokens)
		if len(frames) == 0 {
			continue
		}
		res.Hotspots = append(res.Hotspots, Hotspot{
			Rank:   len(res.Hotspots) + 1,
			Light:  h.Light,
			Total:  h.Total,
			Upper:  h.Upper,
			Frames: frames,
		})
	}
	return res, nil
}

// dedup appends src to dst with repeated identifiers removed, keeping the
// first occurrence. The suffix tree requires repeat-free sequences;
// recursive stacks are the only source of repeats.
func dedup(dst []hotspot.Token, src []uint64) []hotspot.Token {
	for _, id := range src {
		tok := hotspot.Token(id)
		seen := false
		for _, d := range dst {
			if d == tok {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, tok)
		}
	}
	return dst
}

// resolveFrames maps a hotspot label back to source positions, dropping the
// trailing terminator and flattening inlined frames.
func resolveFrames(r *trace.Reader, tokens []hotspot.Token) []Frame {
	var frames []Frame
	for _, tok := range tokens {
		if tok == terminator {
			continue
		}
		locs, ok := r.Location(uint64(tok))
		if !ok {
			frames = append(frames, Frame{Filename: trace.Unknown.Filename, Defname: trace.Unknown.Defname})
			continue
		}
		for _, l := range locs {
			frames = append(frames, Frame{
				Filename: l.Filename,
				Defname:  l.Defname,
				Line:     l.Line,
				StartCol: l.StartCol,
				EndCol:   l.EndCol,
			})
		}
	}
	return frames
}
