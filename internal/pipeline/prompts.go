package pipeline

import (
	"fmt"
	"strings"

	"github.com/salonworks/storyline/internal/model"
)

const sanitizeSystemPrompt = `You redact personal information from hair salon staff reports before they are used for public writing. Remove or generalize customer names, contact details, addresses, workplaces, ages and anything else that could identify a customer. Keep treatments, techniques, products and the staff member's reflections. Already-masked placeholders such as [EMAIL] must stay as they are. Respond with a valid JSON object: {"redacted": "<redacted text>", "risk": <0.0-1.0>} where risk is the chance that identifying details remain.`

const sanitizeUserPrompt = `Reports (%d):

%s`

const shortStorySystemPrompt = `You write short, warm narrative posts for a hair salon website based on one day of staff reports. Write in the same language as the reports. Never invent customer details that are not in the reports. Respond with a valid JSON object: {"title": "<title>", "body": "<400-800 character story>", "summary": "<one sentence>"}`

const blogPostSystemPrompt = `You write informative blog articles for a hair salon website, drawing on staff reports for real examples. Write in the same language as the reports. Focus on techniques, care advice and what customers can expect. Respond with a valid JSON object: {"title": "<title>", "body": "<article body, paragraphs separated by blank lines>", "summary": "<one or two sentences>"}`

const draftUserPrompt = `Content type: %s
Report dates: %s

Source material:
%s`

const auditSystemPrompt = `You review drafts for a hair salon website before publication. Reject a draft if it contains personal information about customers, medical or efficacy claims, disparaging remarks, or content not supported by the source material. Minor wording problems may be fixed in a revised draft instead of rejecting. Respond with a valid JSON object: {"pass": true|false, "reasons": ["<reason>", ...], "revised": {"title": "...", "body": "...", "summary": "..."} or null}`

const auditUserPrompt = `Source material:
%s

Draft title: %s

Draft body:
%s

Draft summary: %s`

func sanitizePrompt(text string, reports int) string {
	return fmt.Sprintf(sanitizeUserPrompt, reports, text)
}

func draftSystemPrompt(ct model.ContentType) string {
	if ct == model.ContentTypeBlogPost {
		return blogPostSystemPrompt
	}
	return shortStorySystemPrompt
}

func draftPrompt(ct model.ContentType, reports []model.SourceReport, sanitized string) string {
	return fmt.Sprintf(draftUserPrompt, ct, reportDates(reports), sanitized)
}

func auditPrompt(sanitized string, d *model.Draft) string {
	return fmt.Sprintf(auditUserPrompt, sanitized, d.Title, d.Body, d.Summary)
}

// reportDates lists the distinct report dates in order of first appearance.
func reportDates(reports []model.SourceReport) string {
	seen := make(map[string]bool, len(reports))
	var dates []string
	for _, r := range reports {
		key := r.DateKey()
		if !seen[key] {
			seen[key] = true
			dates = append(dates, key)
		}
	}
	return strings.Join(dates, ", ")
}
