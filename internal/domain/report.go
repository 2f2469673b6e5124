package domain

// TruncationMarker replaces report lines dropped by the line budget.
const TruncationMarker = "… (truncated)"

// DefaultReportLineBudget caps merged report size so one notification
// never grows past what a chat message can carry.
const DefaultReportLineBudget = 12

// Report is one structured diagnostic result produced by a handler.
// Params: short title and bounded ordered fact/recommendation lines.
// Returns: renderable diagnostic block.
type Report struct {
	Title   string   `json:"title"`
	Lines   []string `json:"lines"`
	Partial bool     `json:"partial,omitempty"`
}

// Truncate bounds report lines and appends the truncation marker.
// Params: maximum line count (non-positive keeps the report unchanged).
// Returns: bounded report copy.
func (r Report) Truncate(limit int) Report {
	if limit <= 0 || len(r.Lines) <= limit {
		return r
	}
	bounded := make([]string, 0, limit)
	bounded = append(bounded, r.Lines[:limit-1]...)
	bounded = append(bounded, TruncationMarker)
	return Report{Title: r.Title, Lines: bounded, Partial: r.Partial}
}

// MergeReports joins primary and secondary handler output under one budget.
// Params: primary report, optional extra report, and total line budget.
// Returns: combined report with the primary title and bounded lines.
func MergeReports(primary, extra Report, limit int) Report {
	merged := Report{
		Title:   primary.Title,
		Partial: primary.Partial || extra.Partial,
	}
	merged.Lines = append(merged.Lines, primary.Lines...)
	if len(extra.Lines) > 0 {
		if extra.Title != "" {
			merged.Lines = append(merged.Lines, extra.Title)
		}
		merged.Lines = append(merged.Lines, extra.Lines...)
	}
	return merged.Truncate(limit)
}
