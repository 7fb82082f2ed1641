// Package git wraps command-level git operations for a project working tree.
// It is policy free: branch lifecycle decisions live in the iteration engine.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

// Runner executes a git command in a directory. The production runner shells
// out; tests substitute a scripted one.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			err = nil // non-zero exit is reported via exitCode, not err
		}
	}
	return stdout.String(), stderr.String(), exitCode, err
}

// Client wraps git CLI operations for one working tree. All commands run
// under a per-tree lock so concurrent callers cannot interleave.
type Client struct {
	repoPath string
	timeout  time.Duration
	runner   Runner
	mu       sync.Mutex
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the per-command timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRunner substitutes the command runner.
func WithRunner(r Runner) Option {
	return func(c *Client) { c.runner = r }
}

// NewClient creates a new git client for the repository at repoPath.
func NewClient(repoPath string, opts ...Option) (*Client, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	client := &Client{
		repoPath: absPath,
		timeout:  30 * time.Second,
		runner:   execRunner{},
	}
	for _, opt := range opts {
		opt(client)
	}

	if err := client.verifyRepo(); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) verifyRepo() error {
	_, err := c.run(context.Background(), "rev-parse", "--git-dir")
	if err != nil {
		return core.ErrValidation("NOT_GIT_REPO", fmt.Sprintf("%s is not a git repository", c.repoPath))
	}
	return nil
}

// run executes a git command under the tree lock. A failed command carries
// its exit code, stdout and stderr verbatim; the driver never silently
// recovers.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stdout, stderr, exitCode, err := c.runner.Run(ctx, c.repoPath, args...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrVersionControl("COMMAND_TIMEOUT",
				fmt.Sprintf("git %s timed out", strings.Join(args, " ")))
		}
		return "", core.ErrVersionControl("COMMAND_FAILED",
			fmt.Sprintf("git %s: %v", strings.Join(args, " "), err)).WithCause(err)
	}
	if exitCode != 0 {
		return "", core.ErrVersionControl("COMMAND_FAILED",
			fmt.Sprintf("git %s exited %d", strings.Join(args, " "), exitCode)).
			WithDetail("exit_code", exitCode).
			WithDetail("stdout", stdout).
			WithDetail("stderr", stderr)
	}
	return strings.TrimSpace(stdout), nil
}

// RepoPath returns the working tree path.
func (c *Client) RepoPath() string { return c.repoPath }

// CurrentBranch returns the current branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// CurrentCommit returns the current commit hash.
func (c *Client) CurrentCommit(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "HEAD")
}

// CreateBranch creates and switches to a new branch from a base commit or
// branch.
func (c *Client) CreateBranch(ctx context.Context, name, base string) error {
	args := []string{"checkout", "-b", name}
	if base != "" {
		args = append(args, base)
	}
	_, err := c.run(ctx, args...)
	return err
}

// Switch checks out an existing branch.
func (c *Client) Switch(ctx context.Context, branch string) error {
	_, err := c.run(ctx, "checkout", branch)
	return err
}

// DeleteBranch deletes a local branch.
func (c *Client) DeleteBranch(ctx context.Context, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := c.run(ctx, "branch", flag, name)
	return err
}

// ListBranches returns all local branches.
func (c *Client) ListBranches(ctx context.Context) ([]string, error) {
	output, err := c.run(ctx, "branch", "--list", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	branches := make([]string, 0)
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// BranchExists checks if a local branch exists.
func (c *Client) BranchExists(ctx context.Context, name string) (bool, error) {
	branches, err := c.ListBranches(ctx)
	if err != nil {
		return false, err
	}
	for _, b := range branches {
		if b == name {
			return true, nil
		}
	}
	return false, nil
}

// Status represents git repository status.
type Status struct {
	Branch       string
	Upstream     string
	Ahead        int
	Behind       int
	Staged       []string
	Modified     []string
	Untracked    []string
	HasConflicts bool
}

// IsClean returns true if there are no changes.
func (s *Status) IsClean() bool {
	return len(s.Staged) == 0 && len(s.Modified) == 0 && len(s.Untracked) == 0 && !s.HasConflicts
}

// Status returns the repository status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	output, err := c.run(ctx, "status", "--porcelain=v2", "--branch")
	if err != nil {
		return nil, err
	}
	return parseStatus(output), nil
}

func parseStatus(output string) *Status {
	status := &Status{
		Staged:    make([]string, 0),
		Modified:  make([]string, 0),
		Untracked: make([]string, 0),
	}

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "# branch.head "):
			status.Branch = strings.TrimPrefix(line, "# branch.head ")
		case strings.HasPrefix(line, "# branch.upstream "):
			status.Upstream = strings.TrimPrefix(line, "# branch.upstream ")
		case strings.HasPrefix(line, "# branch.ab "):
			parts := strings.Fields(line)
			if len(parts) >= 4 {
				fmt.Sscanf(parts[2], "+%d", &status.Ahead)
				fmt.Sscanf(parts[3], "-%d", &status.Behind)
			}
		case len(line) > 2:
			switch line[0] {
			case '1':
				// Format: 1 XY sub mH mI mW hH hI path
				fields := strings.SplitN(line, " ", 9)
				if len(fields) == 9 {
					xy := fields[1]
					path := fields[8]
					if xy[0] != '.' {
						status.Staged = append(status.Staged, path)
					}
					if xy[1] != '.' {
						status.Modified = append(status.Modified, path)
					}
				}
			case '2':
				// Renames count as staged; the engine only needs clean/dirty.
				status.Staged = append(status.Staged, line)
			case '?':
				status.Untracked = append(status.Untracked, strings.TrimPrefix(line, "? "))
			case 'u':
				status.HasConflicts = true
			}
		}
	}
	return status
}

// Commit represents a git commit.
type Commit struct {
	Hash        string
	AuthorName  string
	AuthorEmail string
	Subject     string
	Date        time.Time
}

// LogSince returns commits made after the given base commit, oldest first.
func (c *Client) LogSince(ctx context.Context, base string) ([]Commit, error) {
	output, err := c.run(ctx, "log", "--reverse", "--format=%H|%an|%ae|%s|%ci", base+"..HEAD")
	if err != nil {
		return nil, err
	}
	return parseCommits(output), nil
}

// Log returns recent commit history, newest first.
func (c *Client) Log(ctx context.Context, count int) ([]Commit, error) {
	output, err := c.run(ctx, "log", fmt.Sprintf("-n%d", count), "--format=%H|%an|%ae|%s|%ci")
	if err != nil {
		return nil, err
	}
	return parseCommits(output), nil
}

func parseCommits(output string) []Commit {
	commits := make([]Commit, 0)
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 5)
		if len(parts) == 5 {
			date, _ := time.Parse("2006-01-02 15:04:05 -0700", parts[4])
			commits = append(commits, Commit{
				Hash:        parts[0],
				AuthorName:  parts[1],
				AuthorEmail: parts[2],
				Subject:     parts[3],
				Date:        date,
			})
		}
	}
	return commits
}

// ShowCommit returns the full patch of a single commit.
func (c *Client) ShowCommit(ctx context.Context, hash string) (string, error) {
	return c.run(ctx, "show", "--format=fuller", hash)
}

// Diff returns the diff for staged or unstaged changes.
func (c *Client) Diff(ctx context.Context, staged bool) (string, error) {
	args := []string{"diff"}
	if staged {
		args = append(args, "--staged")
	}
	return c.run(ctx, args...)
}

// DiffBranch returns the diff between a target branch and HEAD.
func (c *Client) DiffBranch(ctx context.Context, target string) (string, error) {
	return c.run(ctx, "diff", target+"...HEAD")
}

// Merge merges a branch into the current branch, fast forward when
// possible, otherwise with a merge commit.
func (c *Client) Merge(ctx context.Context, branch, message string) error {
	args := []string{"merge", branch}
	if message != "" {
		args = append(args, "-m", message)
	}
	_, err := c.run(ctx, args...)
	return err
}

// AbortMerge aborts an in-progress merge.
func (c *Client) AbortMerge(ctx context.Context) error {
	_, err := c.run(ctx, "merge", "--abort")
	return err
}

// Tag creates an annotated tag at HEAD.
func (c *Client) Tag(ctx context.Context, name, message string) error {
	_, err := c.run(ctx, "tag", "-a", name, "-m", message)
	return err
}

// TagExists checks if a tag exists.
func (c *Client) TagExists(ctx context.Context, name string) (bool, error) {
	output, err := c.run(ctx, "tag", "--list", name)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) == name, nil
}

// ResetHard resets the working tree and HEAD to the given ref.
func (c *Client) ResetHard(ctx context.Context, ref string) error {
	args := []string{"reset", "--hard"}
	if ref != "" {
		args = append(args, ref)
	}
	_, err := c.run(ctx, args...)
	return err
}

// Stash stashes current changes, including untracked files.
func (c *Client) Stash(ctx context.Context, message string) error {
	args := []string{"stash", "push", "--include-untracked"}
	if message != "" {
		args = append(args, "-m", message)
	}
	_, err := c.run(ctx, args...)
	return err
}

// DefaultBranch returns the default integration branch (main or master).
func (c *Client) DefaultBranch(ctx context.Context) (string, error) {
	// Try to detect from remote
	output, err := c.run(ctx, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		return strings.TrimPrefix(output, "refs/remotes/origin/"), nil
	}

	// Fallback: check if main or master exists
	branches, _ := c.ListBranches(ctx)
	for _, b := range branches {
		if b == "main" {
			return "main", nil
		}
	}
	for _, b := range branches {
		if b == "master" {
			return "master", nil
		}
	}

	return "main", nil
}
