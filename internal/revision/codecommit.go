package revision

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codecommit"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/awserr"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncerr"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// CodeCommitAPI is the subset of the CodeCommit client used here.
type CodeCommitAPI interface {
	GetCommit(ctx context.Context, in *codecommit.GetCommitInput, optFns ...func(*codecommit.Options)) (*codecommit.GetCommitOutput, error)
	GetDifferences(ctx context.Context, in *codecommit.GetDifferencesInput, optFns ...func(*codecommit.Options)) (*codecommit.GetDifferencesOutput, error)
	GetBlob(ctx context.Context, in *codecommit.GetBlobInput, optFns ...func(*codecommit.Options)) (*codecommit.GetBlobOutput, error)
	GetFile(ctx context.Context, in *codecommit.GetFileInput, optFns ...func(*codecommit.Options)) (*codecommit.GetFileOutput, error)
	GetBranch(ctx context.Context, in *codecommit.GetBranchInput, optFns ...func(*codecommit.Options)) (*codecommit.GetBranchOutput, error)
}

var codeCommitNotFound = []string{
	"CommitDoesNotExistException",
	"CommitIdDoesNotExistException",
	"InvalidCommitIdException",
	"InvalidCommitException",
	"FileDoesNotExistException",
	"BlobIdDoesNotExistException",
	"RepositoryDoesNotExistException",
	"PathDoesNotExistException",
	"BranchDoesNotExistException",
}

// CodeCommitSource reads revisions from an AWS CodeCommit repository.
type CodeCommitSource struct {
	api  CodeCommitAPI
	repo string
}

func NewCodeCommitSource(api CodeCommitAPI, repository string) (*CodeCommitSource, error) {
	if api == nil {
		return nil, xerrors.New("codecommit client is required")
	}
	if repository == "" {
		return nil, xerrors.New("codecommit repository name is required")
	}
	return &CodeCommitSource{api: api, repo: repository}, nil
}

// NewCodeCommitSourceFromConfig builds a source on a default SDK client.
func NewCodeCommitSourceFromConfig(awsCfg aws.Config, repository string) (*CodeCommitSource, error) {
	return NewCodeCommitSource(codecommit.NewFromConfig(awsCfg), repository)
}

func (s *CodeCommitSource) classify(op, ref string, err error) error {
	if awserr.HasCode(err, codeCommitNotFound...) {
		return &syncerr.NotFoundError{Ref: ref, Err: err}
	}
	if awserr.Retryable(err) {
		return syncerr.Transient(op, err)
	}
	return xerrors.Wrapf(err, "codecommit %s %s", op, ref)
}

func (s *CodeCommitSource) Commit(ctx context.Context, id string) (Commit, error) {
	out, err := s.api.GetCommit(ctx, &codecommit.GetCommitInput{
		RepositoryName: aws.String(s.repo),
		CommitId:       aws.String(id),
	})
	if err != nil {
		return Commit{}, s.classify("GetCommit", id, err)
	}
	if out.Commit == nil {
		return Commit{}, &syncerr.NotFoundError{Ref: id, Err: xerrors.New("empty commit in response")}
	}
	c := Commit{ID: aws.ToString(out.Commit.CommitId), Parents: out.Commit.Parents}
	if c.ID == "" {
		c.ID = id
	}
	return c, nil
}

func (s *CodeCommitSource) Differences(ctx context.Context, before, after string) ([]Difference, error) {
	var (
		out   []Difference
		token *string
	)
	for {
		in := &codecommit.GetDifferencesInput{
			RepositoryName:       aws.String(s.repo),
			AfterCommitSpecifier: aws.String(after),
			NextToken:            token,
		}
		// an omitted before specifier diffs against the empty tree
		if before != "" {
			in.BeforeCommitSpecifier = aws.String(before)
		}
		page, err := s.api.GetDifferences(ctx, in)
		if err != nil {
			return nil, s.classify("GetDifferences", before+".."+after, err)
		}
		for _, d := range page.Differences {
			var diff Difference
			if d.BeforeBlob != nil && d.BeforeBlob.Path != nil {
				diff.Before = &FileRef{Path: aws.ToString(d.BeforeBlob.Path), BlobID: aws.ToString(d.BeforeBlob.BlobId)}
			}
			if d.AfterBlob != nil && d.AfterBlob.Path != nil {
				diff.After = &FileRef{Path: aws.ToString(d.AfterBlob.Path), BlobID: aws.ToString(d.AfterBlob.BlobId)}
			}
			out = append(out, diff)
		}
		if page.NextToken == nil || *page.NextToken == "" {
			return out, nil
		}
		token = page.NextToken
	}
}

// File reads content by blob id when known, by path at commit otherwise.
func (s *CodeCommitSource) File(ctx context.Context, ref changes.BlobRef) ([]byte, error) {
	if ref.BlobID != "" {
		out, err := s.api.GetBlob(ctx, &codecommit.GetBlobInput{
			RepositoryName: aws.String(s.repo),
			BlobId:         aws.String(ref.BlobID),
		})
		if err != nil {
			return nil, s.classify("GetBlob", ref.Path, err)
		}
		return out.Content, nil
	}
	out, err := s.api.GetFile(ctx, &codecommit.GetFileInput{
		RepositoryName:  aws.String(s.repo),
		FilePath:        aws.String(ref.Path),
		CommitSpecifier: aws.String(ref.CommitID),
	})
	if err != nil {
		return nil, s.classify("GetFile", ref.Path, err)
	}
	return out.FileContent, nil
}
