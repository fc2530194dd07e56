package revision

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncerr"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

const githubPerPage = 100

// githubCompareFileLimit is the most files the compare API lists.
const githubCompareFileLimit = 300

// NewGitHubClient returns an API client authenticated with token. hc
// overrides the transport (tests); token is ignored when hc is set.
func NewGitHubClient(ctx context.Context, token string, hc *http.Client) *github.Client {
	if hc == nil && token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		hc = oauth2.NewClient(ctx, ts)
	}
	return github.NewClient(hc)
}

// GitHubSource reads revisions through the GitHub REST API.
type GitHubSource struct {
	client *github.Client
	owner  string
	repo   string
}

func NewGitHubSource(client *github.Client, owner, repo string) (*GitHubSource, error) {
	if client == nil {
		return nil, xerrors.New("github client is required")
	}
	if owner == "" || repo == "" {
		return nil, xerrors.New("github owner and repo are required")
	}
	return &GitHubSource{client: client, owner: owner, repo: repo}, nil
}

func (s *GitHubSource) classify(op, ref string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrapf(err, "github %s %s", op, ref)
	}
	var rle *github.RateLimitError
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &abuse) {
		return syncerr.Transient(op, err)
	}
	var ge *github.ErrorResponse
	if errors.As(err, &ge) && ge.Response != nil {
		switch code := ge.Response.StatusCode; {
		case code == http.StatusNotFound || code == http.StatusUnprocessableEntity:
			return &syncerr.NotFoundError{Ref: ref, Err: err}
		case code == http.StatusTooManyRequests || code >= 500:
			return syncerr.Transient(op, err)
		}
		return xerrors.Wrapf(err, "github %s %s", op, ref)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return syncerr.Transient(op, err)
	}
	return xerrors.Wrapf(err, "github %s %s", op, ref)
}

func (s *GitHubSource) Commit(ctx context.Context, id string) (Commit, error) {
	rc, _, err := s.client.Repositories.GetCommit(ctx, s.owner, s.repo, id, nil)
	if err != nil {
		return Commit{}, s.classify("GetCommit", id, err)
	}
	c := Commit{ID: rc.GetSHA()}
	if c.ID == "" {
		c.ID = id
	}
	for _, p := range rc.Parents {
		if sha := p.GetSHA(); sha != "" {
			c.Parents = append(c.Parents, sha)
		}
	}
	return c, nil
}

// Differences reads the compare API. Its file list is complete only below
// githubCompareFileLimit; at the limit the two trees are diffed instead.
func (s *GitHubSource) Differences(ctx context.Context, before, after string) ([]Difference, error) {
	if before == "" {
		return s.tree(ctx, after)
	}

	// files are only listed on the first page of a comparison
	cmp, _, err := s.client.Repositories.CompareCommits(ctx, s.owner, s.repo, before, after, &github.ListOptions{PerPage: githubPerPage})
	if err != nil {
		return nil, s.classify("CompareCommits", before+"..."+after, err)
	}
	if len(cmp.Files) >= githubCompareFileLimit {
		return s.treeDiff(ctx, before, after)
	}

	var out []Difference
	for _, f := range cmp.Files {
		if d, ok := githubDifference(f); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func githubDifference(f *github.CommitFile) (Difference, bool) {
	name := f.GetFilename()
	if name == "" {
		return Difference{}, false
	}
	cur := &FileRef{Path: name, BlobID: f.GetSHA()}
	switch f.GetStatus() {
	case "added", "copied":
		return Difference{After: cur}, true
	case "removed":
		return Difference{Before: &FileRef{Path: name}}, true
	case "renamed":
		prev := f.GetPreviousFilename()
		if prev == "" || prev == name {
			return Difference{Before: &FileRef{Path: name}, After: cur}, true
		}
		return Difference{Before: &FileRef{Path: prev}, After: cur}, true
	case "unchanged":
		return Difference{}, false
	default:
		// modified, changed
		return Difference{Before: &FileRef{Path: name}, After: cur}, true
	}
}

// tree lists every blob of commit id as an addition.
func (s *GitHubSource) tree(ctx context.Context, id string) ([]Difference, error) {
	blobs, err := s.blobs(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]Difference, 0, len(blobs))
	for _, f := range blobs {
		out = append(out, Difference{After: f})
	}
	return out, nil
}

// treeDiff compares the full trees of before and after by blob id.
func (s *GitHubSource) treeDiff(ctx context.Context, before, after string) ([]Difference, error) {
	old, err := s.blobs(ctx, before)
	if err != nil {
		return nil, err
	}
	cur, err := s.blobs(ctx, after)
	if err != nil {
		return nil, err
	}

	prev := make(map[string]*FileRef, len(old))
	for _, f := range old {
		prev[f.Path] = f
	}
	var out []Difference
	for _, f := range cur {
		p, ok := prev[f.Path]
		switch {
		case !ok:
			out = append(out, Difference{After: f})
		case p.BlobID != f.BlobID:
			out = append(out, Difference{Before: p, After: f})
		}
		delete(prev, f.Path)
	}
	for _, f := range old {
		if _, gone := prev[f.Path]; gone {
			out = append(out, Difference{Before: f})
		}
	}
	return out, nil
}

// blobs lists the files of commit id from its recursive tree. A truncated
// tree is an error: a partial listing would drop changes.
func (s *GitHubSource) blobs(ctx context.Context, id string) ([]*FileRef, error) {
	rc, _, err := s.client.Repositories.GetCommit(ctx, s.owner, s.repo, id, nil)
	if err != nil {
		return nil, s.classify("GetCommit", id, err)
	}
	treeSHA := rc.GetCommit().GetTree().GetSHA()
	if treeSHA == "" {
		treeSHA = id
	}
	t, _, err := s.client.Git.GetTree(ctx, s.owner, s.repo, treeSHA, true)
	if err != nil {
		return nil, s.classify("GetTree", id, err)
	}
	if t.GetTruncated() {
		return nil, xerrors.Newf("github tree for %s is truncated", id)
	}
	out := make([]*FileRef, 0, len(t.Entries))
	for _, e := range t.Entries {
		if e.GetType() != "blob" {
			continue
		}
		out = append(out, &FileRef{Path: e.GetPath(), BlobID: e.GetSHA()})
	}
	return out, nil
}

func (s *GitHubSource) File(ctx context.Context, ref changes.BlobRef) ([]byte, error) {
	if ref.BlobID != "" {
		data, _, err := s.client.Git.GetBlobRaw(ctx, s.owner, s.repo, ref.BlobID)
		if err != nil {
			return nil, s.classify("GetBlobRaw", ref.Path, err)
		}
		return data, nil
	}
	rc, _, err := s.client.Repositories.DownloadContents(ctx, s.owner, s.repo, ref.Path,
		&github.RepositoryContentGetOptions{Ref: ref.CommitID})
	if err != nil {
		return nil, s.classify("DownloadContents", ref.Path, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, syncerr.Transient("DownloadContents", err)
	}
	return data, nil
}
