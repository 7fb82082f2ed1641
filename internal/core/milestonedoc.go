package core

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// MilestoneDoc is the parsed milestone document (.anima/milestones/{id}.md).
// The document carries optional YAML front matter followed by the markdown
// body that is injected verbatim into developer prompts.
type MilestoneDoc struct {
	Title               string   `yaml:"title"`
	AcceptanceCriteria  []string `yaml:"acceptance_criteria"`
	RequiresHumanReview *bool    `yaml:"requires_human_review"`
	Body                string   `yaml:"-"`
}

const frontMatterFence = "---"

// ParseMilestoneDoc splits front matter from body. A document without front
// matter is all body; the first markdown heading becomes the title.
func ParseMilestoneDoc(raw string) (*MilestoneDoc, error) {
	doc := &MilestoneDoc{}
	content := strings.ReplaceAll(raw, "\r\n", "\n")

	if strings.HasPrefix(content, frontMatterFence+"\n") {
		rest := content[len(frontMatterFence)+1:]
		end := strings.Index(rest, "\n"+frontMatterFence)
		if end < 0 {
			return nil, ErrValidation("UNTERMINATED_FRONT_MATTER", "milestone document front matter is not closed")
		}
		if err := yaml.Unmarshal([]byte(rest[:end]), doc); err != nil {
			return nil, fmt.Errorf("parsing milestone front matter: %w", err)
		}
		body := rest[end+len(frontMatterFence)+1:]
		doc.Body = strings.TrimPrefix(strings.TrimPrefix(body, "\n"), "\n")
	} else {
		doc.Body = content
	}

	if doc.Title == "" {
		doc.Title = firstHeading(doc.Body)
	}
	return doc, nil
}

// CriteriaList renders acceptance criteria as a numbered list for prompts.
func (d *MilestoneDoc) CriteriaList() string {
	if len(d.AcceptanceCriteria) == 0 {
		return "(no explicit acceptance criteria; review against the milestone document)"
	}
	var b strings.Builder
	for i, c := range d.AcceptanceCriteria {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	return strings.TrimRight(b.String(), "\n")
}

func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "# "))
		}
	}
	return ""
}
