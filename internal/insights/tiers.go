package insights

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"tailspin/internal/storage"
)

// Tier names one materialized insight document.
type Tier string

const (
	TierTopology Tier = "topology"
	TierProfile  Tier = "profile"
	TierAlerts   Tier = "alerts"
)

// Tiers lists every tier in computation order.
var Tiers = []Tier{TierTopology, TierProfile, TierAlerts}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, bool) {
	for _, t := range Tiers {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Source is the read-only query surface the tiers are computed from.
type Source interface {
	SpanCount(ctx context.Context) (int64, error)
	ServiceEdges(ctx context.Context, limit int) ([]storage.ServiceEdge, error)
	ServiceSummaries(ctx context.Context) ([]storage.ServiceSummary, error)
	OperationProfiles(ctx context.Context, limit int) ([]storage.OperationProfile, error)
	ModelUsage(ctx context.Context) ([]storage.ModelUsage, error)
	ErrorGroups(ctx context.Context, limit int) ([]storage.ErrorGroup, error)
}

// compute renders one tier as markdown. Content is a pure function of the
// source data (no timestamps, stable ordering) so unchanged data hashes
// the same.
func (m *Materializer) compute(ctx context.Context, tier Tier) (string, error) {
	switch tier {
	case TierTopology:
		return m.topology(ctx)
	case TierProfile:
		return m.profile(ctx)
	case TierAlerts:
		return m.alerts(ctx)
	default:
		return "", fmt.Errorf("unknown tier %q", tier)
	}
}

func (m *Materializer) topology(ctx context.Context) (string, error) {
	services, err := m.source.ServiceSummaries(ctx)
	if err != nil {
		return "", fmt.Errorf("service summaries: %w", err)
	}
	edges, err := m.source.ServiceEdges(ctx, m.opts.TopEdges)
	if err != nil {
		return "", fmt.Errorf("service edges: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Service topology\n\n")
	if len(services) == 0 {
		b.WriteString("No spans recorded.\n")
		return b.String(), nil
	}

	b.WriteString("| Service | Spans | Traces | Errors | p95 |\n")
	b.WriteString("|---|---:|---:|---:|---:|\n")
	for _, s := range services {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			cell(s.Service), humanize.Comma(s.Spans), humanize.Comma(s.Traces),
			humanize.Comma(s.Errors), formatMs(s.P95Ms))
	}

	b.WriteString("\n## Dependencies\n\n")
	if len(edges) == 0 {
		b.WriteString("No cross-service calls.\n")
		return b.String(), nil
	}
	for _, e := range edges {
		fmt.Fprintf(&b, "- %s -> %s: %s calls", e.Parent, e.Child, humanize.Comma(e.Calls))
		if e.Errors > 0 {
			fmt.Fprintf(&b, ", %s errors", humanize.Comma(e.Errors))
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (m *Materializer) profile(ctx context.Context) (string, error) {
	ops, err := m.source.OperationProfiles(ctx, m.opts.TopOperations)
	if err != nil {
		return "", fmt.Errorf("operation profiles: %w", err)
	}
	models, err := m.source.ModelUsage(ctx)
	if err != nil {
		return "", fmt.Errorf("model usage: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Performance profile\n\n## Slowest operations\n\n")
	if len(ops) == 0 {
		b.WriteString("No operations recorded.\n")
	} else {
		b.WriteString("| Service | Operation | Count | Avg | p50 | p95 | Max | Errors |\n")
		b.WriteString("|---|---|---:|---:|---:|---:|---:|---:|\n")
		for _, o := range ops {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s | %s | %s |\n",
				cell(o.Service), cell(o.Operation), humanize.Comma(o.Count),
				formatMs(o.AvgMs), formatMs(o.P50Ms), formatMs(o.P95Ms), formatMs(o.MaxMs),
				humanize.Comma(o.Errors))
		}
	}

	b.WriteString("\n## Model usage\n\n")
	if len(models) == 0 {
		b.WriteString("No GenAI calls recorded.\n")
		return b.String(), nil
	}
	b.WriteString("| Provider | Model | Calls | Input tokens | Output tokens | Cost |\n")
	b.WriteString("|---|---|---:|---:|---:|---:|\n")
	for _, u := range models {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | $%s |\n",
			cell(u.Provider), cell(u.Model), humanize.Comma(u.Calls),
			humanize.Comma(u.InputTokens), humanize.Comma(u.OutputTokens),
			humanize.CommafWithDigits(u.CostUSD, 4))
	}
	return b.String(), nil
}

func (m *Materializer) alerts(ctx context.Context) (string, error) {
	services, err := m.source.ServiceSummaries(ctx)
	if err != nil {
		return "", fmt.Errorf("service summaries: %w", err)
	}
	groups, err := m.source.ErrorGroups(ctx, m.opts.TopErrors)
	if err != nil {
		return "", fmt.Errorf("error groups: %w", err)
	}

	var findings []string
	for _, s := range services {
		if s.Spans < m.opts.MinSpans {
			continue
		}
		rate := float64(s.Errors) / float64(s.Spans)
		if rate > m.opts.ErrorRateThreshold {
			findings = append(findings, fmt.Sprintf("- **%s** error rate %.1f%% (%s of %s spans)",
				s.Service, rate*100, humanize.Comma(s.Errors), humanize.Comma(s.Spans)))
		}
		if s.P95Ms > m.opts.LatencyP95ThresholdMs {
			findings = append(findings, fmt.Sprintf("- **%s** p95 latency %s exceeds %s",
				s.Service, formatMs(s.P95Ms), formatMs(m.opts.LatencyP95ThresholdMs)))
		}
	}

	var b strings.Builder
	b.WriteString("# Alerts\n\n")
	if len(findings) == 0 {
		b.WriteString("All services within thresholds.\n")
	} else {
		b.WriteString(strings.Join(findings, "\n"))
		b.WriteString("\n")
	}

	if len(groups) > 0 {
		b.WriteString("\n## Top errors\n\n")
		for _, g := range groups {
			msg := g.Message
			if msg == "" {
				msg = "(no message)"
			}
			fmt.Fprintf(&b, "- %s / %s: %s x%s\n", g.Service, g.Operation, msg, humanize.Comma(g.Count))
		}
	}
	return b.String(), nil
}

func formatMs(v float64) string {
	if v >= 1000 {
		return humanize.CommafWithDigits(v/1000, 2) + "s"
	}
	return humanize.CommafWithDigits(v, 1) + "ms"
}

// cell escapes pipes so values cannot break a markdown table row.
func cell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
