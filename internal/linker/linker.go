// Package linker adds site-aware links to generated drafts.
package linker

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// Config controls link augmentation.
type Config struct {
	// TagPath is joined to the profile's site URL to build tag archive links.
	// Empty disables tag links.
	TagPath string
	// MaxTagLinks caps how many tags get a link.
	MaxTagLinks int
}

// Linker implements publishing.LinkAugmenter.
type Linker struct {
	cfg Config
}

// New builds a Linker.
func New(cfg Config) *Linker {
	if cfg.MaxTagLinks == 0 {
		cfg.MaxTagLinks = 5
	}
	return &Linker{cfg: cfg}
}

// AddLinks rewrites anchors in the body and appends source and tag links:
// relative hrefs resolve against the profile site, off-site links get
// rel="nofollow noopener" and open in a new tab.
func (l *Linker) AddLinks(_ context.Context, draft publishing.Draft, profile publishing.Profile) (publishing.Draft, error) {
	site, err := url.Parse(profile.SiteURL)
	if err != nil {
		return publishing.Draft{}, fmt.Errorf("parse site url: %w", err)
	}
	body, err := l.rewrite(draft.Body, site)
	if err != nil {
		return publishing.Draft{}, err
	}
	out := draft
	out.Sections = make([]publishing.Section, 0, len(draft.Sections))
	for _, s := range draft.Sections {
		html, err := l.rewrite(s.HTML, site)
		if err != nil {
			return publishing.Draft{}, err
		}
		out.Sections = append(out.Sections, publishing.Section{Name: s.Name, HTML: html})
	}

	var extra []string
	if draft.SourceURL != "" && !strings.Contains(body, draft.SourceURL) {
		extra = append(extra, fmt.Sprintf(`<p class="source">Source: <a href="%s" rel="nofollow noopener" target="_blank">%s</a></p>`,
			escapeAttr(draft.SourceURL), escapeText(hostOf(draft.SourceURL))))
	}
	if links := l.tagLinks(draft.Tags, site); links != "" {
		extra = append(extra, links)
	}
	if len(extra) > 0 {
		body = strings.TrimSpace(body + "\n" + strings.Join(extra, "\n"))
	}
	out.Body = body
	return out, nil
}

func (l *Linker) rewrite(fragment string, site *url.URL) (string, error) {
	if strings.TrimSpace(fragment) == "" {
		return fragment, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("parse draft html: %w", err)
	}
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil || strings.HasPrefix(href, "#") || ref.Scheme == "mailto" {
			return
		}
		abs := site.ResolveReference(ref)
		a.SetAttr("href", abs.String())
		if !strings.EqualFold(abs.Hostname(), site.Hostname()) {
			a.SetAttr("rel", "nofollow noopener")
			a.SetAttr("target", "_blank")
		}
	})
	html, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("render draft html: %w", err)
	}
	return strings.TrimSpace(html), nil
}

func (l *Linker) tagLinks(tags []string, site *url.URL) string {
	if l.cfg.TagPath == "" || len(tags) == 0 {
		return ""
	}
	var links []string
	seen := map[string]struct{}{}
	for _, tag := range tags {
		slug := Slugify(tag)
		if slug == "" {
			continue
		}
		if _, ok := seen[slug]; ok {
			continue
		}
		seen[slug] = struct{}{}
		u := *site
		u.Path = strings.TrimRight(site.Path, "/") + "/" + strings.Trim(l.cfg.TagPath, "/") + "/" + slug + "/"
		links = append(links, fmt.Sprintf(`<a href="%s" rel="tag">%s</a>`, escapeAttr(u.String()), escapeText(tag)))
		if len(links) == l.cfg.MaxTagLinks {
			break
		}
	}
	if len(links) == 0 {
		return ""
	}
	return `<p class="tags">Related: ` + strings.Join(links, ", ") + `</p>`
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and joins alphanumeric runs with hyphens.
func Slugify(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

func hostOf(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}

var (
	attrEscaper = strings.NewReplacer(`&`, "&amp;", `"`, "&quot;", `<`, "&lt;", `>`, "&gt;")
	textEscaper = strings.NewReplacer(`&`, "&amp;", `<`, "&lt;", `>`, "&gt;")
)

func escapeAttr(s string) string { return attrEscaper.Replace(s) }

func escapeText(s string) string { return textEscaper.Replace(s) }
