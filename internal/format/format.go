// Package format holds the pure transforms between stored transcripts,
// agent prompts and outbound chat text.
package format

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/g2/internal/store"
)

var internalBlockRe = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// Messages renders a transcript batch as the XML prompt block the agent
// consumes. Sender and content are entity-escaped so a strict parser can
// recover them exactly.
func Messages(msgs []store.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = m.Sender
		}
		b.WriteString(`<message sender="`)
		b.WriteString(EscapeXML(sender))
		b.WriteString(`" time="`)
		b.WriteString(EscapeXML(m.Timestamp))
		b.WriteString(`">`)
		b.WriteString(EscapeXML(m.Content))
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}

// Outbound strips every <internal>…</internal> block from agent output
// and trims the remainder. An empty result suppresses the send.
// Stripping repeats until stable: removing a block can splice the
// surrounding text into a new marker pair, which must not leak.
func Outbound(raw string) string {
	s := raw
	for {
		next := internalBlockRe.ReplaceAllString(s, "")
		if next == s {
			break
		}
		s = next
	}
	return strings.TrimSpace(s)
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// EscapeXML escapes the five XML entities.
func EscapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

var xmlUnescaper = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&",
)

// UnescapeXML reverses EscapeXML.
func UnescapeXML(s string) string {
	return xmlUnescaper.Replace(s)
}
