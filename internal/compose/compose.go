// Package compose expands a message template against a recipient list and
// applies per-recipient personalization overrides. All functions are pure.
package compose

import (
	"regexp"

	"github.com/mailyaan/mailyaan/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Override replaces the subject and body for a single recipient index,
// typically sourced from a generative personalization pass.
type Override struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Expand renders the subject and body templates for every recipient in order.
// Each {{Field}} placeholder is replaced with the recipient's value for that
// field (case-sensitive); fields the recipient does not carry become the
// empty string. A recipient that cannot be rendered keeps the raw template
// text; one bad record never aborts the batch.
func Expand(subject, body string, recipients []model.Recipient) []model.PersonalizedMessage {
	messages := make([]model.PersonalizedMessage, 0, len(recipients))

	for _, r := range recipients {
		messages = append(messages, model.PersonalizedMessage{
			Recipient: r,
			Subject:   expandOne(subject, r),
			Body:      expandOne(body, r),
		})
	}

	return messages
}

func expandOne(tmpl string, r model.Recipient) string {
	if r == nil {
		return tmpl
	}

	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		field := placeholderRe.FindStringSubmatch(match)[1]
		return r[field]
	})
}

// ApplyOverrides returns a copy of base with subject and body replaced at the
// given indices. Indices outside the base range are ignored; untouched
// entries keep their expanded template content. The most recent override for
// an index always wins wholesale, there is no merging.
func ApplyOverrides(base []model.PersonalizedMessage, overrides map[int]Override) []model.PersonalizedMessage {
	out := make([]model.PersonalizedMessage, len(base))
	copy(out, base)

	for i, o := range overrides {
		if i < 0 || i >= len(out) {
			continue
		}

		out[i].Subject = o.Subject
		out[i].Body = o.Body
	}

	return out
}
