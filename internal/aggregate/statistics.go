package aggregate

// Statistics is a point-in-time summary over the live aggregates. Span,
// token and cost totals come from sessions, which are never evicted.
type Statistics struct {
	Sessions       int     `json:"sessions"`
	ActiveSessions int     `json:"active_sessions"`
	Traces         int     `json:"traces"`
	ErrorTraces    int     `json:"error_traces"`
	Spans          int64   `json:"spans"`
	Tokens         int64   `json:"tokens"`
	CostUSD        float64 `json:"cost_usd"`
}

// GetStatistics summarizes both aggregators. Either may be nil.
func GetStatistics(sessions *SessionAggregator, traces *TraceAggregator) Statistics {
	var st Statistics
	if sessions != nil {
		for _, s := range sessions.GetSessions() {
			st.Sessions++
			if s.IsActive {
				st.ActiveSessions++
			}
			st.Spans += int64(s.SpanCount)
			st.Tokens += s.TotalTokens
			st.CostUSD += s.TotalCostUSD
		}
	}
	if traces != nil {
		for _, t := range traces.GetTraces() {
			st.Traces++
			if t.ErrorCount > 0 {
				st.ErrorTraces++
			}
		}
	}
	return st
}
