// Package warn emits single-line machine-readable warnings on stderr.
//
// Warnings complement the audit log; they never replace it. The field
// order is stable so downstream tooling can parse lines positionally.
package warn

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Defined warning codes. Anything else is a programming error.
const (
	CodeIndexFailed           = "index-failed"
	CodeDistillFailed         = "distill-failed"
	CodeDistillChunkFailed    = "distill-chunk-failed"
	CodeContinuityFailed      = "continuity-failed"
	CodeRetentionDeleteFailed = "retention-delete-failed"
	CodeLedgerReadFailed      = "ledger-read-failed"
)

// Event is one warning line.
type Event struct {
	Code    string
	Stage   string
	Action  string
	Session string
	Archive string
	Source  string
	Retry   string
	Reason  string
	Err     string
}

// Output is where warnings are written. Tests may swap it.
var Output io.Writer = os.Stderr

// sanitize collapses whitespace runs to underscores and strips
// non-printable characters so a value can never break the line format.
func sanitize(v string) string {
	var b strings.Builder
	prevSep := false
	for _, r := range v {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if b.Len() > 0 && !prevSep {
				b.WriteByte('_')
				prevSep = true
			}
		case r > 0x20 && r < 0x7f:
			b.WriteRune(r)
			prevSep = false
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "na"
	}
	return out
}

// Emit writes the warning line in the stable field order.
func Emit(e Event) {
	fmt.Fprintf(Output,
		"SELENE_WARN code=%s stage=%s action=%s session=%s archive=%s source=%s retry=%s reason=%s err=%s\n",
		sanitize(e.Code),
		sanitize(e.Stage),
		sanitize(e.Action),
		sanitize(e.Session),
		sanitize(e.Archive),
		sanitize(e.Source),
		sanitize(e.Retry),
		sanitize(e.Reason),
		sanitize(e.Err),
	)
}
