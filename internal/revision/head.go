package revision

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codecommit"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/retry"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncerr"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// BranchHeader is implemented by sources that can report the current head
// of a branch. Polling needs it; webhook and lambda triggers do not.
type BranchHeader interface {
	BranchHead(ctx context.Context, branch string) (string, error)
}

// ErrHeadUnsupported is returned by Reader.BranchHead when the source cannot
// report branch heads.
var ErrHeadUnsupported = errors.New("revision source cannot report branch heads")

// BranchHead returns the commit branch currently points at. branch may be a
// bare name or a refs/heads/ ref.
func (r *Reader) BranchHead(ctx context.Context, branch string) (string, error) {
	bh, ok := r.src.(BranchHeader)
	if !ok {
		return "", ErrHeadUnsupported
	}
	name := strings.TrimPrefix(branch, "refs/heads/")
	if name == "" {
		return "", xerrors.New("branch name is required")
	}
	return retry.Value(ctx, r.retry, func(ctx context.Context) (string, error) {
		return bh.BranchHead(ctx, name)
	})
}

func (s *CodeCommitSource) BranchHead(ctx context.Context, branch string) (string, error) {
	out, err := s.api.GetBranch(ctx, &codecommit.GetBranchInput{
		RepositoryName: aws.String(s.repo),
		BranchName:     aws.String(branch),
	})
	if err != nil {
		return "", s.classify("GetBranch", branch, err)
	}
	if out.Branch == nil || aws.ToString(out.Branch.CommitId) == "" {
		return "", &syncerr.NotFoundError{Ref: branch, Err: xerrors.New("branch has no commit")}
	}
	return aws.ToString(out.Branch.CommitId), nil
}

func (s *GitHubSource) BranchHead(ctx context.Context, branch string) (string, error) {
	b, _, err := s.client.Repositories.GetBranch(ctx, s.owner, s.repo, branch, 1)
	if err != nil {
		return "", s.classify("GetBranch", branch, err)
	}
	sha := b.GetCommit().GetSHA()
	if sha == "" {
		return "", &syncerr.NotFoundError{Ref: branch, Err: xerrors.New("branch has no commit")}
	}
	return sha, nil
}

// BranchHead fetches from origin when the repository has one, then reads the
// remote-tracking ref, falling back to the local branch.
func (s *GitSource) BranchHead(ctx context.Context, branch string) (string, error) {
	if _, err := s.repo.Remote(git.DefaultRemoteName); err == nil {
		if err := s.Refresh(ctx); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	names := []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName(git.DefaultRemoteName, branch),
		plumbing.NewBranchReferenceName(branch),
	}
	for _, name := range names {
		ref, err := s.repo.Reference(name, true)
		if err == nil {
			return ref.Hash().String(), nil
		}
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", xerrors.Wrapf(err, "resolve %s", name)
		}
	}
	return "", &syncerr.NotFoundError{Ref: branch, Err: plumbing.ErrReferenceNotFound}
}
