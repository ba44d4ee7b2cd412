package codeview

// Decoration is a backend-supplied per-line annotation.
type Decoration struct {
	Range           DecorationRange       `json:"range"`
	IsWholeLine     bool                  `json:"isWholeLine,omitempty"`
	BackgroundColor string                `json:"backgroundColor,omitempty"`
	Border          string                `json:"border,omitempty"`
	After           *DecorationAttachment `json:"after,omitempty"`
}

// DecorationRange is a zero-based line range. Only lines are honored; the
// overlay decorates whole lines.
type DecorationRange struct {
	Start DecorationPosition `json:"start"`
	End   DecorationPosition `json:"end"`
}

// DecorationPosition is one end of a decoration range.
type DecorationPosition struct {
	Line int `json:"line"`
}

// DecorationAttachment describes content appended after the line's text.
type DecorationAttachment struct {
	ContentText  string `json:"contentText,omitempty"`
	Color        string `json:"color,omitempty"`
	HoverMessage string `json:"hoverMessage,omitempty"`
	LinkURL      string `json:"linkURL,omitempty"`
}

// Lines returns the zero-based lines the decoration covers.
func (d Decoration) Lines() []int {
	start, end := d.Range.Start.Line, d.Range.End.Line
	if end < start {
		end = start
	}
	lines := make([]int, 0, end-start+1)
	for l := start; l <= end; l++ {
		lines = append(lines, l)
	}
	return lines
}
