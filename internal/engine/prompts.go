package engine

import (
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/anima/internal/adapters/git"
	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

// DeveloperSystemPrompt is the role prompt for the implementing agent.
const DeveloperSystemPrompt = `You are the Developer agent of Anima, an autonomous iteration engine.

Your role:
- You receive a milestone description and implement ONE feature at a time.
- Read the milestone file to understand what needs to be done.
- Analyze the current codebase state and decide which feature to implement next.
- Implement the feature: write code, write tests, run quality checks.
- Run the project's lint, type and test checks.
- If verification passes, report completion.
- If verification fails, fix the issues and try again.

Rules:
- Do NOT ask questions unless you encounter a critical ambiguity that blocks progress.
- Make autonomous decisions on implementation details.
- Each response should focus on implementing exactly ONE feature.
- After implementing, run the full verification suite.
- Use conventional commits: feat:, fix:, refactor:, test:, docs:, chore:
- Stage all changes and commit on the current branch with a descriptive message.
- When ALL features described in the milestone have been implemented and verified, start a line with ALL_FEATURES_COMPLETE followed by a "Commits:" list of the commit hashes. Only emit this signal when you are confident every feature is complete.`

// AcceptorSystemPrompt is the role prompt for the reviewing agent.
const AcceptorSystemPrompt = `You are the Acceptor agent of Anima, an autonomous iteration engine.

Your role:
- Review feature implementations against the milestone acceptance criteria.
- You do NOT run code or tests. Focus purely on functional review.
- Check: Does the implementation satisfy the milestone requirements?
- Check: Is the code well-structured and maintainable?
- Check: Are there any obvious bugs or missing edge cases?

Response format:
- Start your response with either ACCEPTED or REJECTED on the first line.
- Follow with a brief explanation.
- If REJECTED, provide specific, actionable feedback for the Developer.`

// DeveloperPromptInput collects the context injected into a developer round.
type DeveloperPromptInput struct {
	Vision          string
	Soul            string
	MilestoneDoc    string
	Memory          string
	Branch          string
	Round           int
	CompletedSoFar  []git.Commit
	RejectionReason string
	HumanFeedback   string
	Resumption      bool
}

// BuildDeveloperPrompt concatenates the injected context in a fixed order,
// then the task directive.
func BuildDeveloperPrompt(in DeveloperPromptInput) string {
	var b strings.Builder

	writeSection(&b, "PROJECT VISION", in.Vision)
	writeSection(&b, "PROJECT SOUL", in.Soul)
	writeSection(&b, "MILESTONE", in.MilestoneDoc)
	writeSection(&b, "PROJECT MEMORY", in.Memory)

	fmt.Fprintf(&b, "Current branch: %s\n", in.Branch)
	fmt.Fprintf(&b, "Iteration round: %d\n", in.Round)

	if len(in.CompletedSoFar) > 0 {
		b.WriteString("\nWork already committed on this branch:\n")
		for _, c := range in.CompletedSoFar {
			fmt.Fprintf(&b, "- %s %s\n", core.ShortID(c.Hash), c.Subject)
		}
	}

	if in.Resumption {
		b.WriteString("\nThis session is a resumption after a restart. Inspect the working tree and commit log before continuing; do not redo committed work.\n")
	}
	if in.HumanFeedback != "" {
		writeSection(&b, "HUMAN FEEDBACK", in.HumanFeedback)
	}
	if in.RejectionReason != "" {
		writeSection(&b, "PREVIOUS ROUND REJECTED", in.RejectionReason)
		b.WriteString("Address the rejection above before anything else.\n")
	}

	b.WriteString("\nImplement the next not-yet-done feature, run the project's checks, and commit on the current branch. If every feature is complete, reply with ALL_FEATURES_COMPLETE and a \"Commits:\" list of hashes.\n")
	return b.String()
}

// BuildReconcilePrompt asks the developer to clean a dirty tree found during
// recovery before any round runs.
func BuildReconcilePrompt(status *git.Status) string {
	var b strings.Builder
	b.WriteString("The working tree has uncommitted changes left over from an interrupted run:\n")
	for _, f := range status.Staged {
		fmt.Fprintf(&b, "- staged: %s\n", f)
	}
	for _, f := range status.Modified {
		fmt.Fprintf(&b, "- modified: %s\n", f)
	}
	for _, f := range status.Untracked {
		fmt.Fprintf(&b, "- untracked: %s\n", f)
	}
	b.WriteString("\nReconcile them: commit what belongs to the milestone with a conventional-commit message, discard what does not. Then report what you did.\n")
	return b.String()
}

// AcceptorRoundInput collects the context for a per-round review.
type AcceptorRoundInput struct {
	Soul     string
	Criteria string
	Commits  []git.Commit
}

// BuildAcceptorRoundPrompt builds the per-round review request.
func BuildAcceptorRoundPrompt(in AcceptorRoundInput) string {
	var b strings.Builder

	writeSection(&b, "PROJECT SOUL", in.Soul)
	writeSection(&b, "ACCEPTANCE CRITERIA", in.Criteria)

	b.WriteString("Commits to review:\n")
	for _, c := range in.Commits {
		fmt.Fprintf(&b, "- %s %s\n", c.Hash, c.Subject)
	}
	b.WriteString("\nInspect the actual changes with version-control commands (git show, git diff). Reply exactly ACCEPTED or REJECTED: <reason referencing which criterion failed>.\n")
	return b.String()
}

// BuildFinalReviewPrompt builds the whole-milestone review request.
func BuildFinalReviewPrompt(in AcceptorRoundInput) string {
	var b strings.Builder

	writeSection(&b, "PROJECT SOUL", in.Soul)
	writeSection(&b, "MILESTONE ACCEPTANCE CRITERIA", in.Criteria)

	b.WriteString("This is the FINAL review of the whole milestone. Commits since the milestone branched:\n")
	for _, c := range in.Commits {
		fmt.Fprintf(&b, "- %s %s\n", c.Hash, c.Subject)
	}
	b.WriteString("\nVerify every criterion is satisfied by the combined changes. Reply exactly ACCEPTED or REJECTED: <missing criteria and why>.\n")
	return b.String()
}

func writeSection(b *strings.Builder, title, body string) {
	if body == "" {
		return
	}
	fmt.Fprintf(b, "## %s\n\n%s\n\n", title, strings.TrimSpace(body))
}
