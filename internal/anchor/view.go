// Package anchor maps stable block identifiers in the live editor document to
// on-screen geometry for gutter markers and hover tracking.
package anchor

import "strings"

// View is the per-editor annotation context: which problem and class the
// document belongs to, who is looking at it, and the UI toggles.
type View struct {
	ProblemID    string
	ClassID      string
	CallerID     string
	Visible      bool
	ShowComments bool
}

// AnnotationsEnabled is the single capability check for showing threads
// alongside an editor.
func (v View) AnnotationsEnabled() bool {
	return v.Visible &&
		v.ShowComments &&
		strings.TrimSpace(v.ProblemID) != "" &&
		strings.TrimSpace(v.ClassID) != ""
}
