// Package stream turns an upstream provider's incremental response into
// live visible-text deltas plus a final {content, reasoning, usage}
// result, separating an embedded reasoning trace from the answer text.
package stream

import (
	"regexp"
	"strings"
)

const (
	DefaultOpenDelimiter  = "<think>"
	DefaultCloseDelimiter = "</think>"
)

// Usage is the provider-reported token accounting for one request.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Result is the fully resolved outcome of one stream.
type Result struct {
	Visible   string
	Reasoning string
	// Usage is nil when the provider never reported one; callers fall
	// back to estimation.
	Usage     *Usage
	Cancelled bool
}

// Config parameterizes an Aggregator per provider. Both callbacks are
// optional and are invoked from the goroutine driving the stream.
type Config struct {
	OpenDelimiter  string
	CloseDelimiter string
	// OnVisibleDelta receives each new span of user-facing text, in
	// order. Concatenating all deltas plus the Finalize remainder yields
	// Result.Visible exactly.
	OnVisibleDelta func(delta string)
	// OnReasoning receives the reasoning-so-far whenever it changes.
	// Mid-stream values are tentative; only Result.Reasoning is final.
	OnReasoning func(reasoning string)
}

// Aggregator accumulates raw chunks and re-scans the whole buffer on
// every push, so delimiter pairs split across arbitrary chunk
// boundaries are always resolved identically.
type Aggregator struct {
	cfg     Config
	pairRe  *regexp.Regexp
	openRe  *regexp.Regexp
	openLen int

	buf       strings.Builder
	explicit  strings.Builder // reasoning a provider reports out-of-band
	emitted   int             // length of visible text already delivered
	lastKnown string          // last reasoning value pushed to OnReasoning
	usage     *Usage
	done      bool
}

func NewAggregator(cfg Config) *Aggregator {
	if cfg.OpenDelimiter == "" {
		cfg.OpenDelimiter = DefaultOpenDelimiter
	}
	if cfg.CloseDelimiter == "" {
		cfg.CloseDelimiter = DefaultCloseDelimiter
	}
	return &Aggregator{
		cfg: cfg,
		pairRe: regexp.MustCompile(`(?is)` +
			regexp.QuoteMeta(cfg.OpenDelimiter) + `(.*?)` +
			regexp.QuoteMeta(cfg.CloseDelimiter)),
		openRe:  regexp.MustCompile(`(?i)` + regexp.QuoteMeta(cfg.OpenDelimiter)),
		openLen: len(cfg.OpenDelimiter),
	}
}

// Push appends a raw content chunk and emits any newly stable visible
// text.
func (a *Aggregator) Push(chunk string) {
	if a.done || chunk == "" {
		return
	}
	a.buf.WriteString(chunk)
	visible, reasoning := a.split(a.buf.String(), false)
	a.emitVisible(visible)
	a.emitReasoning(reasoning)
}

// PushReasoning appends reasoning a provider reports in a dedicated
// field rather than inline behind delimiters.
func (a *Aggregator) PushReasoning(chunk string) {
	if a.done || chunk == "" {
		return
	}
	a.explicit.WriteString(chunk)
	_, reasoning := a.split(a.buf.String(), false)
	a.emitReasoning(reasoning)
}

// SetUsage records the provider's usage object; the last report wins.
func (a *Aggregator) SetUsage(u Usage) {
	if a.done {
		return
	}
	a.usage = &u
}

// Finalize re-runs extraction against the full buffer, flushes the
// remaining visible text through OnVisibleDelta, and returns the
// resolved result. Delimiter fragments that never closed are plain
// visible text, not reasoning.
func (a *Aggregator) Finalize() Result {
	if a.done {
		return Result{}
	}
	a.done = true
	visible, reasoning := a.split(a.buf.String(), true)
	a.emitVisible(visible)
	return Result{
		Visible:   visible,
		Reasoning: reasoning,
		Usage:     a.usage,
	}
}

// Cancel stops aggregation, discarding tentative reasoning but keeping
// whatever visible text was already emitted.
func (a *Aggregator) Cancel() Result {
	if a.done {
		return Result{}
	}
	a.done = true
	full, _ := a.split(a.buf.String(), false)
	return Result{
		Visible:   full[:a.emitted],
		Usage:     a.usage,
		Cancelled: true,
	}
}

// split partitions the accumulated buffer into visible text and
// reasoning. Priority order: complete delimiter pairs are reasoning; an
// unterminated opener makes the tail tentative reasoning (streaming
// only); otherwise everything is visible. Multiple pairs are
// newline-joined; matching is case-insensitive.
func (a *Aggregator) split(buf string, final bool) (string, string) {
	var visible strings.Builder
	var parts []string

	last := 0
	for _, m := range a.pairRe.FindAllStringSubmatchIndex(buf, -1) {
		visible.WriteString(buf[last:m[0]])
		if inner := strings.TrimSpace(buf[m[2]:m[3]]); inner != "" {
			parts = append(parts, inner)
		}
		last = m[1]
	}
	rest := buf[last:]

	if final {
		visible.WriteString(rest)
	} else if loc := a.openRe.FindStringIndex(rest); loc != nil {
		visible.WriteString(rest[:loc[0]])
		if tentative := strings.TrimSpace(rest[loc[1]:]); tentative != "" {
			parts = append(parts, tentative)
		}
	} else {
		// Hold back a tail that could be the start of an opener arriving
		// split across chunks, so emitted visible text never retracts.
		visible.WriteString(rest[:len(rest)-a.partialOpenerLen(rest)])
	}

	if ex := strings.TrimSpace(a.explicit.String()); ex != "" {
		parts = append(parts, ex)
	}
	return visible.String(), strings.Join(parts, "\n")
}

// partialOpenerLen returns the length of the longest suffix of rest
// that case-insensitively prefixes the opening delimiter.
func (a *Aggregator) partialOpenerLen(rest string) int {
	max := a.openLen - 1
	if max > len(rest) {
		max = len(rest)
	}
	for n := max; n > 0; n-- {
		if strings.EqualFold(rest[len(rest)-n:], a.cfg.OpenDelimiter[:n]) {
			return n
		}
	}
	return 0
}

func (a *Aggregator) emitVisible(visible string) {
	if len(visible) <= a.emitted {
		return
	}
	delta := visible[a.emitted:]
	a.emitted = len(visible)
	if a.cfg.OnVisibleDelta != nil {
		a.cfg.OnVisibleDelta(delta)
	}
}

func (a *Aggregator) emitReasoning(reasoning string) {
	if reasoning == a.lastKnown {
		return
	}
	a.lastKnown = reasoning
	if a.cfg.OnReasoning != nil {
		a.cfg.OnReasoning(reasoning)
	}
}
