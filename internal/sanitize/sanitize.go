// Package sanitize turns raw staff report text into plain, normalised text
// with obvious personal data masked before it is sent to a language model.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/salonworks/storyline/internal/model"
)

var (
	blankRun = regexp.MustCompile(`\n{3,}`)
	spaceRun = regexp.MustCompile(`[ \t\p{Zs}]+`)
)

// StripHTML removes markup from s. Text without tags is returned unchanged.
func StripHTML(s string) (string, error) {
	if !strings.ContainsRune(s, '<') {
		return s, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return "", eris.Wrap(err, "sanitize: parse html")
	}
	doc.Find("script, style, noscript").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, h1, h2, h3, h4, tr").AppendHtml("\n")
	return doc.Text(), nil
}

// Normalize applies NFKC so full-width letters and digits fold to their
// ASCII forms, then collapses runs of spaces and blank lines.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(l, " "))
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRun.ReplaceAllString(s, "\n\n"))
}

// Clean strips markup and normalises s.
func Clean(s string) (string, error) {
	text, err := StripHTML(s)
	if err != nil {
		return "", err
	}
	return Normalize(text), nil
}

// Prepared is the locally sanitised input of one attempt.
type Prepared struct {
	Text     string
	Findings []Finding
	// Risk is the highest severity among the rules that matched.
	Risk float64
}

// Prepare cleans and masks every report and joins them into one document,
// one section per report in the order given.
func Prepare(reports []model.SourceReport, m *Masker) (*Prepared, error) {
	var (
		sections []string
		findings []Finding
	)
	for _, r := range reports {
		text, err := Clean(r.Text())
		if err != nil {
			return nil, eris.Wrapf(err, "sanitize: report %s", r.ID)
		}
		if text == "" {
			continue
		}
		if m != nil {
			var f []Finding
			text, f = m.Mask(text)
			findings = append(findings, f...)
		}
		sections = append(sections, "["+r.DateKey()+"]\n"+text)
	}

	p := &Prepared{Text: strings.Join(sections, "\n\n---\n\n"), Findings: mergeFindings(findings)}
	for _, f := range p.Findings {
		p.Risk = max(p.Risk, f.Severity)
	}
	return p, nil
}
