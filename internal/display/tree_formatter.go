package display

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/standardbeagle/lazytree/internal/forest"
	"github.com/standardbeagle/lazytree/internal/types"
)

// Output formats
const (
	FormatText    = "text"
	FormatCompact = "compact"
	FormatJSON    = "json"
)

// TreeFormatter renders the visible rows of a tree
type TreeFormatter struct {
	options FormatterOptions
}

// FormatterOptions controls tree formatting
type FormatterOptions struct {
	Format     string // "text", "json", "compact"
	ShowIDs    bool   // Append node ids
	ShowChecks bool   // Prefix node rows with a checkbox
	ShowPaging bool   // Append loaded/total child counts
	MaxDepth   int    // Rows at or below this depth are dropped, 0 = unlimited
	Indent     string // Indentation for compact output
	Highlight  map[types.NodeID]bool
}

// NewTreeFormatter creates a new tree formatter
func NewTreeFormatter(options FormatterOptions) *TreeFormatter {
	if options.Indent == "" {
		options.Indent = "  "
	}
	if options.Format == "" {
		options.Format = FormatText
	}
	return &TreeFormatter{options: options}
}

// Options returns the formatter options
func (tf *TreeFormatter) Options() FormatterOptions {
	return tf.options
}

// Format renders rows in the formatter's configured format
func Format[T types.Entity](tf *TreeFormatter, rows []forest.Row[T]) string {
	if tf.options.MaxDepth > 0 {
		clipped := make([]forest.Row[T], 0, len(rows))
		for _, r := range rows {
			if r.Depth < tf.options.MaxDepth {
				clipped = append(clipped, r)
			}
		}
		rows = clipped
	}

	switch tf.options.Format {
	case FormatJSON:
		return formatJSON(rows)
	case FormatCompact:
		if len(rows) == 0 {
			return ""
		}
		return formatCompact(tf, rows)
	default:
		if len(rows) == 0 {
			return "(empty tree)\n"
		}
		return formatText(tf, rows)
	}
}

// formatText draws rows with box-drawing branches
func formatText[T types.Entity](tf *TreeFormatter, rows []forest.Row[T]) string {
	last := lastSiblings(rows)

	var sb strings.Builder
	var lastAt []bool
	for i, r := range rows {
		if r.Depth < len(lastAt) {
			lastAt = lastAt[:r.Depth]
		}
		for len(lastAt) < r.Depth {
			lastAt = append(lastAt, true)
		}

		for _, done := range lastAt {
			if done {
				sb.WriteString("    ")
			} else {
				sb.WriteString("│   ")
			}
		}
		if last[i] {
			sb.WriteString("└── ")
		} else {
			sb.WriteString("├── ")
		}
		sb.WriteString(label(tf, r))
		sb.WriteString("\n")

		lastAt = append(lastAt, last[i])
	}
	return sb.String()
}

// lastSiblings reports, per row, whether no later sibling follows it under
// the same parent. Placeholder rows count as siblings.
func lastSiblings[T types.Entity](rows []forest.Row[T]) []bool {
	last := make([]bool, len(rows))
	var seen []bool
	for i := len(rows) - 1; i >= 0; i-- {
		d := rows[i].Depth
		for len(seen) <= d {
			seen = append(seen, false)
		}
		last[i] = !seen[d]
		seen[d] = true
		seen = seen[:d+1]
	}
	return last
}

// formatCompact indents rows without branch glyphs
func formatCompact[T types.Entity](tf *TreeFormatter, rows []forest.Row[T]) string {
	var sb strings.Builder
	for _, r := range rows {
		sb.WriteString(strings.Repeat(tf.options.Indent, r.Depth))
		sb.WriteString(label(tf, r))
		sb.WriteString("\n")
	}
	return sb.String()
}

func label[T types.Entity](tf *TreeFormatter, r forest.Row[T]) string {
	n := r.Node
	switch r.Kind {
	case forest.RowLoading:
		return "loading…"
	case forest.RowMore:
		if n.State.IsMoreLoading {
			return "… loading more"
		}
		if n.State.Total > 0 {
			return fmt.Sprintf("… more (%d of %d)", len(n.ChildrenIDs), n.State.Total)
		}
		return "… more"
	}

	var sb strings.Builder
	switch {
	case !n.State.CanOpen:
		sb.WriteString("  ")
	case n.State.IsOpen:
		sb.WriteString("- ")
	default:
		sb.WriteString("+ ")
	}

	if tf.options.ShowChecks {
		sb.WriteString(checkbox(n.State))
		sb.WriteString(" ")
	}

	title := n.Title
	if tf.options.Highlight[n.ID] {
		title = "*" + title + "*"
	}
	sb.WriteString(title)

	if tf.options.ShowIDs {
		sb.WriteString(fmt.Sprintf(" (%s)", n.ID))
	}
	if tf.options.ShowPaging && n.State.CanOpen && n.ChildrenLoaded() {
		sb.WriteString(fmt.Sprintf(" [%d/%d]", len(n.ChildrenIDs), n.State.Total))
	}
	if n.State.IsLoading {
		sb.WriteString(" (loading)")
	}
	return sb.String()
}

func checkbox(s types.NodeState) string {
	switch {
	case s.IsChecked:
		return "[x]"
	case s.IsHalfChecked:
		return "[-]"
	default:
		return "[ ]"
	}
}

// RowJSON is the serialized shape of one visible row
type RowJSON struct {
	Kind        string       `json:"kind"`
	ID          types.NodeID `json:"id"`
	ParentID    types.NodeID `json:"parent_id"`
	Title       string       `json:"title,omitempty"`
	Depth       int          `json:"depth"`
	Open        bool         `json:"open,omitempty"`
	Leaf        bool         `json:"leaf,omitempty"`
	Checked     bool         `json:"checked,omitempty"`
	HalfChecked bool         `json:"half_checked,omitempty"`
	Loading     bool         `json:"loading,omitempty"`
	HasMore     bool         `json:"has_more,omitempty"`
	Loaded      int          `json:"loaded,omitempty"`
	Total       int          `json:"total,omitempty"`
}

// Rows converts rows into their serialized shape. Placeholder rows carry the
// id of the parent they belong to.
func Rows[T types.Entity](rows []forest.Row[T]) []RowJSON {
	out := make([]RowJSON, 0, len(rows))
	for _, r := range rows {
		n := r.Node
		row := RowJSON{
			ID:    n.ID,
			Depth: r.Depth,
		}
		switch r.Kind {
		case forest.RowMore:
			row.Kind = "more"
			row.Loading = n.State.IsMoreLoading
			row.Loaded = len(n.ChildrenIDs)
			row.Total = n.State.Total
		case forest.RowLoading:
			row.Kind = "loading"
			row.Loading = true
		default:
			row.Kind = "node"
			row.ParentID = n.ParentID
			row.Title = n.Title
			row.Open = n.State.IsOpen
			row.Leaf = n.State.IsLeaf
			row.Checked = n.State.IsChecked
			row.HalfChecked = n.State.IsHalfChecked
			row.Loading = n.State.IsLoading
			row.HasMore = n.State.HasMore
			row.Loaded = len(n.ChildrenIDs)
			row.Total = n.State.Total
		}
		out = append(out, row)
	}
	return out
}

func formatJSON[T types.Entity](rows []forest.Row[T]) string {
	data, err := json.MarshalIndent(Rows(rows), "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(data)
}
