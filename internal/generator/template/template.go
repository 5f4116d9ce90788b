// Package template renders drafts from fetched content without calling a
// model. It backs dry runs and deployments with no generator credentials.
package template

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

const summaryTmpl = `<p>{{.Lead}}</p>{{if .Site}}
<p class="source">Source: <a href="{{.URL}}">{{.Site}}</a></p>{{end}}`

const researchTmpl = `{{if .Summary}}<p>{{.Summary}}</p>
{{end}}<ul>{{range .Sources}}
<li><a href="{{.URL}}">{{.Title}}</a></li>{{end}}
</ul>`

var (
	summary  = template.Must(template.New("summary").Parse(summaryTmpl))
	research = template.Must(template.New("research").Parse(researchTmpl))
)

// Generator implements publishing.ContentGenerator.
type Generator struct {
	// LeadChars caps the summary paragraph.
	LeadChars int
}

// New returns a Generator with a 600 character lead.
func New() *Generator {
	return &Generator{LeadChars: 600}
}

// Generate builds a "summary" section from the fetched text and, when research
// is present, a "research" section listing sources.
func (g *Generator) Generate(
	_ context.Context,
	contentType string,
	detail publishing.DetailedContent,
	bundle publishing.ResearchBundle,
) (publishing.Draft, error) {
	text := strings.Join(strings.Fields(detail.Text), " ")
	if text == "" {
		return publishing.Draft{}, &publishing.GenerationError{Reason: "no source text for " + detail.Reference}
	}
	title := detail.Title
	if title == "" {
		title = detail.Reference
	}

	lead := leadOf(text, g.LeadChars)
	var buf bytes.Buffer
	if err := summary.Execute(&buf, map[string]string{
		"Lead": lead,
		"URL":  detail.URL,
		"Site": detail.Fields["site_name"],
	}); err != nil {
		return publishing.Draft{}, fmt.Errorf("render summary: %w", err)
	}
	draft := publishing.Draft{
		Title:     title,
		Excerpt:   leadOf(text, 160),
		Sections:  []publishing.Section{{Name: "summary", HTML: buf.String()}},
		Tags:      []string{contentType},
		SourceURL: detail.URL,
	}

	if bundle.Summary != "" || len(bundle.Sources) > 0 {
		buf.Reset()
		if err := research.Execute(&buf, bundle); err != nil {
			return publishing.Draft{}, fmt.Errorf("render research: %w", err)
		}
		draft.Sections = append(draft.Sections, publishing.Section{Name: "research", HTML: buf.String()})
	}

	parts := make([]string, 0, len(draft.Sections))
	for _, s := range draft.Sections {
		parts = append(parts, s.HTML)
	}
	draft.Body = strings.Join(parts, "\n")
	return draft, nil
}

// leadOf cuts text at the last sentence or word boundary before n bytes.
func leadOf(text string, n int) string {
	if n <= 0 || len(text) <= n {
		return text
	}
	cut := text[:n]
	if i := strings.LastIndex(cut, ". "); i > n/2 {
		return cut[:i+1]
	}
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}
