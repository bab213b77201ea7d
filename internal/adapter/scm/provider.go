// Package scm abstracts the hosted source-control providers behind a small
// capability set: PR metadata, file diffs, file content at a ref, and
// posting inline review comments.
package scm

import (
	"context"
	"fmt"

	"github.com/bkyoung/review-pipeline/internal/config"
)

// PullRequest carries the commit anchors of a PR/MR. StartSHA equals
// BaseSHA on GitHub; GitLab reports a distinct value in diff_refs after
// rebases, and its discussion positions need all three.
type PullRequest struct {
	BaseSHA  string
	HeadSHA  string
	StartSHA string
}

// FileChange is one changed file with its unified diff patch. Patch is
// empty for binary files and renames without content changes.
type FileChange struct {
	Filename string
	Patch    string
}

// CommentInput contains everything needed to anchor an inline comment.
type CommentInput struct {
	RepoID   string
	PRID     int
	BaseSHA  string
	StartSHA string
	HeadSHA  string
	File     string
	Line     int
	Body     string
}

// Provider is the normalized capability set over GitHub and GitLab.
// All calls are read-only except PostPRComment.
type Provider interface {
	GetPullRequest(ctx context.Context, repoID string, prID int) (PullRequest, error)
	GetPullRequestFileDiffs(ctx context.Context, repoID string, prID int) ([]FileChange, error)
	GetFileContent(ctx context.Context, repoID, filePath, ref string) (string, error)
	PostPRComment(ctx context.Context, input CommentInput) error
}

// New returns the provider implementation for the given name.
func New(name string, cfg config.Config) (Provider, error) {
	switch name {
	case "github":
		return NewGitHubClient(cfg.GitHubBaseURL, cfg.GitHubToken), nil
	case "gitlab":
		return NewGitLabClient(cfg.GitLabBaseURL, cfg.GitLabToken), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %q", name)
	}
}
