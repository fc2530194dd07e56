package revision

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncerr"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// GitSource reads revisions from a go-git repository, either opened locally
// or cloned into memory from a remote.
type GitSource struct {
	mu   sync.Mutex
	repo *git.Repository
	auth transport.AuthMethod
}

func NewGitSource(repo *git.Repository) (*GitSource, error) {
	if repo == nil {
		return nil, xerrors.New("git repository is required")
	}
	return &GitSource{repo: repo}, nil
}

// CloneGitSource clones url into memory without a worktree. token, when
// set, is sent as HTTP basic auth.
func CloneGitSource(ctx context.Context, url, token string) (*GitSource, error) {
	if url == "" {
		return nil, xerrors.New("git url is required")
	}
	var auth transport.AuthMethod
	if token != "" {
		auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}
	repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, &git.CloneOptions{
		URL:  url,
		Auth: auth,
		Tags: git.NoTags,
	})
	if err != nil {
		return nil, syncerr.Transient("clone", xerrors.Wrapf(err, "clone %s", url))
	}
	return &GitSource{repo: repo, auth: auth}, nil
}

// Refresh fetches all branches from origin so newly pushed commits resolve.
func (s *GitSource) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Auth:       s.auth,
		Tags:       git.NoTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return xerrors.Wrap(err, "fetch origin")
		}
		return syncerr.Transient("fetch", err)
	}
	return nil
}

func (s *GitSource) commitObject(id string) (*object.Commit, error) {
	hash, err := s.repo.ResolveRevision(plumbing.Revision(id))
	if err != nil {
		return nil, &syncerr.NotFoundError{Ref: id, Err: err}
	}
	c, err := s.repo.CommitObject(*hash)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, &syncerr.NotFoundError{Ref: id, Err: err}
		}
		return nil, xerrors.Wrapf(err, "read commit %s", id)
	}
	return c, nil
}

func (s *GitSource) Commit(_ context.Context, id string) (Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.commitObject(id)
	if err != nil {
		return Commit{}, err
	}
	out := Commit{ID: c.Hash.String()}
	for _, p := range c.ParentHashes {
		out.Parents = append(out.Parents, p.String())
	}
	return out, nil
}

func (s *GitSource) tree(id string) (*object.Tree, error) {
	if id == "" {
		return nil, nil
	}
	c, err := s.commitObject(id)
	if err != nil {
		return nil, err
	}
	t, err := c.Tree()
	if err != nil {
		return nil, xerrors.Wrapf(err, "read tree of %s", id)
	}
	return t, nil
}

func (s *GitSource) Differences(ctx context.Context, before, after string) ([]Difference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, err := s.tree(before)
	if err != nil {
		return nil, err
	}
	to, err := s.tree(after)
	if err != nil {
		return nil, err
	}

	chs, err := object.DiffTreeWithOptions(ctx, from, to, nil)
	if err != nil {
		return nil, xerrors.Wrapf(err, "diff %s..%s", before, after)
	}

	out := make([]Difference, 0, len(chs))
	for _, ch := range chs {
		action, err := ch.Action()
		if err != nil {
			return nil, xerrors.Wrap(err, "classify change")
		}
		var d Difference
		switch action {
		case merkletrie.Insert:
			if isSubmodule(ch.To) {
				continue
			}
			d.After = &FileRef{Path: ch.To.Name, BlobID: ch.To.TreeEntry.Hash.String()}
		case merkletrie.Delete:
			if isSubmodule(ch.From) {
				continue
			}
			d.Before = &FileRef{Path: ch.From.Name, BlobID: ch.From.TreeEntry.Hash.String()}
		case merkletrie.Modify:
			if isSubmodule(ch.To) {
				continue
			}
			d.Before = &FileRef{Path: ch.From.Name, BlobID: ch.From.TreeEntry.Hash.String()}
			d.After = &FileRef{Path: ch.To.Name, BlobID: ch.To.TreeEntry.Hash.String()}
		default:
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func isSubmodule(e object.ChangeEntry) bool {
	return e.TreeEntry.Mode == filemode.Submodule
}

func (s *GitSource) File(_ context.Context, ref changes.BlobRef) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		rc  io.ReadCloser
		err error
	)
	if ref.BlobID != "" {
		var b *object.Blob
		b, err = s.repo.BlobObject(plumbing.NewHash(ref.BlobID))
		if err != nil {
			return nil, &syncerr.NotFoundError{Ref: ref.BlobID, Err: err}
		}
		rc, err = b.Reader()
	} else {
		var c *object.Commit
		c, err = s.commitObject(ref.CommitID)
		if err != nil {
			return nil, err
		}
		var f *object.File
		f, err = c.File(ref.Path)
		if err != nil {
			return nil, &syncerr.NotFoundError{Ref: ref.Path, Err: err}
		}
		rc, err = f.Reader()
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "open %s", ref.Path)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", ref.Path)
	}
	return data, nil
}
