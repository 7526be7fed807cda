// Package report renders a finished session as a Markdown or HTML document.
package report

import (
	"bytes"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"web-transcriber/internal/transcript"
)

// Report is a session's transcript and, when requested, its summary.
type Report struct {
	SessionID  string
	RecordedAt time.Time
	Fragments  []transcript.Fragment
	Summary    string
}

// Markdown renders r. Each fragment is its own paragraph; failure
// placeholders are quoted so they stand out.
func Markdown(r Report) string {
	var b strings.Builder
	b.WriteString("# Session transcript\n\n")
	if r.SessionID != "" {
		fmt.Fprintf(&b, "Session `%s`", r.SessionID)
		if !r.RecordedAt.IsZero() {
			fmt.Fprintf(&b, ", recorded %s", r.RecordedAt.UTC().Format("2006-01-02 15:04 MST"))
		}
		b.WriteString("\n\n")
	}

	b.WriteString("## Transcript\n\n")
	written := 0
	for _, f := range r.Fragments {
		if f.Text == "" {
			continue
		}
		if f.Failed {
			b.WriteString("> ")
		}
		b.WriteString(f.Text)
		b.WriteString("\n\n")
		written++
	}
	if written == 0 {
		b.WriteString("_No speech was transcribed._\n\n")
	}

	if s := strings.TrimSpace(r.Summary); s != "" {
		b.WriteString("## Summary\n\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}

// HTML renders r as a standalone HTML page. Raw HTML inside transcript or
// summary text is not passed through.
func HTML(r Report) (string, error) {
	var body bytes.Buffer
	if err := goldmark.Convert([]byte(Markdown(r)), &body); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}

	title := "Session transcript"
	if r.SessionID != "" {
		title += " " + r.SessionID
	}
	var page strings.Builder
	page.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&page, "<title>%s</title>\n</head>\n<body>\n", html.EscapeString(title))
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")
	return page.String(), nil
}

// WriteFile writes r to path, as HTML when the extension is .html or .htm
// and as Markdown otherwise.
func WriteFile(path string, r Report) error {
	var content string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		out, err := HTML(r)
		if err != nil {
			return err
		}
		content = out
	default:
		content = Markdown(r)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
