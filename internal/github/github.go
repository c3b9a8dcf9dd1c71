// Package github provides repository-hosting operations: git plumbing
// executed inside the sandbox and pull-request operations against the
// GitHub API.
package github

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v68/github"
	"go.uber.org/zap"

	"github.com/rampdev/rampagent/internal/common/logger"
	"github.com/rampdev/rampagent/internal/sandbox"
)

const gitTimeout = 60 * time.Second

var repoNameRe = regexp.MustCompile(`github\.com[/:](.+?)(?:\.git)?$`)

// ExtractRepoFullName extracts "owner/repo" from a GitHub URL.
func ExtractRepoFullName(repoURL string) (string, error) {
	m := repoNameRe.FindStringSubmatch(repoURL)
	if m == nil {
		return "", fmt.Errorf("cannot parse repo name from URL: %s", repoURL)
	}
	return strings.Trim(m[1], "/"), nil
}

func splitRepoFullName(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo full name: %s", fullName)
	}
	return parts[0], parts[1], nil
}

// BranchResult is returned by CreateBranch.
type BranchResult struct {
	BranchName string `json:"branch_name"`
	Status     string `json:"status"`
}

// PushResult is returned by CommitAndPush.
type PushResult struct {
	CommitSHA string `json:"commit_sha"`
	Branch    string `json:"branch"`
	Status    string `json:"status"`
}

// PRResult is returned by CreatePR.
type PRResult struct {
	PRURL    string `json:"pr_url"`
	PRNumber int    `json:"pr_number"`
	Status   string `json:"status"`
}

// MergeResult is returned by MergePR.
type MergeResult struct {
	Merged  bool   `json:"merged"`
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// Client performs GitHub API operations.
type Client struct {
	gh     *gogithub.Client
	logger *logger.Logger
}

// NewClient creates an authenticated API client.
func NewClient(token string, log *logger.Logger) *Client {
	return &Client{
		gh:     gogithub.NewClient(nil).WithAuthToken(token),
		logger: log,
	}
}

// CreatePR opens a pull request from head against the repository's
// default branch.
func (c *Client) CreatePR(ctx context.Context, repoFullName, head, title, body string) (*PRResult, error) {
	owner, repo, err := splitRepoFullName(repoFullName)
	if err != nil {
		return nil, err
	}

	repository, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to look up repository %s: %w", repoFullName, err)
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &gogithub.NewPullRequest{
		Title: gogithub.String(title),
		Body:  gogithub.String(body),
		Head:  gogithub.String(head),
		Base:  gogithub.String(repository.GetDefaultBranch()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}

	c.logger.Info("Pull request created",
		zap.String("repo", repoFullName),
		zap.Int("pr_number", pr.GetNumber()),
	)
	return &PRResult{
		PRURL:    pr.GetHTMLURL(),
		PRNumber: pr.GetNumber(),
		Status:   "created",
	}, nil
}

// MergePR merges a pull request by number.
func (c *Client) MergePR(ctx context.Context, repoFullName string, number int) (*MergeResult, error) {
	owner, repo, err := splitRepoFullName(repoFullName)
	if err != nil {
		return nil, err
	}

	result, _, err := c.gh.PullRequests.Merge(ctx, owner, repo, number, "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to merge pull request #%d: %w", number, err)
	}

	c.logger.Info("Pull request merged",
		zap.String("repo", repoFullName),
		zap.Int("pr_number", number),
		zap.String("sha", result.GetSHA()),
	)
	return &MergeResult{
		Merged:  result.GetMerged(),
		SHA:     result.GetSHA(),
		Message: result.GetMessage(),
	}, nil
}

// PostReviewComment posts an issue comment on a pull request.
func (c *Client) PostReviewComment(ctx context.Context, repoFullName string, number int, body string) error {
	owner, repo, err := splitRepoFullName(repoFullName)
	if err != nil {
		return err
	}
	_, _, err = c.gh.Issues.CreateComment(ctx, owner, repo, number, &gogithub.IssueComment{
		Body: gogithub.String(body),
	})
	if err != nil {
		return fmt.Errorf("failed to post comment on #%d: %w", number, err)
	}
	return nil
}

// GitOps performs git operations inside a sandbox workspace on behalf of
// the orchestrator's repository tools.
type GitOps struct {
	sb           sandbox.Sandbox
	client       *Client
	repoFullName string
	logger       *logger.Logger
}

// NewGitOps binds git operations to a sandbox and repository.
func NewGitOps(sb sandbox.Sandbox, client *Client, repoFullName string, log *logger.Logger) *GitOps {
	return &GitOps{
		sb:           sb,
		client:       client,
		repoFullName: repoFullName,
		logger:       log,
	}
}

// CreateBranch creates and checks out a new branch.
func (g *GitOps) CreateBranch(ctx context.Context, branchName string) (*BranchResult, error) {
	res, err := g.sb.RunCommand(ctx, fmt.Sprintf("git checkout -b %s", branchName), gitTimeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("git checkout -b failed: %s", res.Stderr)
	}
	return &BranchResult{BranchName: branchName, Status: "created"}, nil
}

// CommitAndPush stages everything, commits with the canonical agent
// identity, and pushes the current branch to origin.
func (g *GitOps) CommitAndPush(ctx context.Context, message string) (*PushResult, error) {
	safeMessage := strings.ReplaceAll(message, `"`, `\"`)

	// Sandbox containers may not have an identity configured.
	g.sb.RunCommand(ctx, `git config user.email "agent@ramp.com"`, gitTimeout)
	g.sb.RunCommand(ctx, `git config user.name "Ramp Agent"`, gitTimeout)

	// Failures on add are tolerated; an empty commit fails below anyway.
	g.sb.RunCommand(ctx, "git add -A", gitTimeout)

	res, err := g.sb.RunCommand(ctx, fmt.Sprintf(`git commit -m "%s"`, safeMessage), gitTimeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("git commit failed: %s", res.Stderr)
	}

	branch, err := g.currentBranch(ctx)
	if err != nil {
		return nil, err
	}

	res, err = g.sb.RunCommand(ctx, fmt.Sprintf("git push -u origin %s", branch), gitTimeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("git push failed: %s", res.Stderr)
	}

	res, err = g.sb.RunCommand(ctx, "git rev-parse HEAD", gitTimeout)
	if err != nil {
		return nil, err
	}

	return &PushResult{
		CommitSHA: strings.TrimSpace(res.Stdout),
		Branch:    branch,
		Status:    "pushed",
	}, nil
}

// CreatePR opens a pull request for the current branch, pushing it first
// if it is not yet on the remote.
func (g *GitOps) CreatePR(ctx context.Context, title, body string) (*PRResult, error) {
	branch, err := g.currentBranch(ctx)
	if err != nil {
		return nil, err
	}

	remoteCheck, err := g.sb.RunCommand(ctx, fmt.Sprintf("git ls-remote --heads origin %s", branch), gitTimeout)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(remoteCheck.Stdout) == "" {
		g.logger.Info("Branch not found on remote, pushing", zap.String("branch", branch))
		pushRes, err := g.sb.RunCommand(ctx, fmt.Sprintf("git push -u origin %s", branch), gitTimeout)
		if err != nil {
			return nil, err
		}
		if pushRes.ExitCode != 0 {
			return nil, fmt.Errorf("branch %s is not on remote and push failed: %s", branch, pushRes.Stderr)
		}
	}

	return g.client.CreatePR(ctx, g.repoFullName, branch, title, body)
}

func (g *GitOps) currentBranch(ctx context.Context) (string, error) {
	res, err := g.sb.RunCommand(ctx, "git rev-parse --abbrev-ref HEAD", gitTimeout)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("could not determine current branch: %s", res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}
