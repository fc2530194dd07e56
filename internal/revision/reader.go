// Package revision reads the changes between two commits of the site
// repository and serves file content for the publisher.
//
// The Reader is backend-agnostic; a Source adapts one upstream API
// (CodeCommit, GitHub, or any git remote through go-git). Sources classify
// their failures as syncerr.NotFoundError or syncerr.TransientError and the
// Reader retries the transient ones with the shared retry policy.
package revision

import (
	"context"
	"sort"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/retry"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncerr"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// Commit is the subset of commit metadata the reader needs.
type Commit struct {
	ID      string
	Parents []string
}

// FileRef locates one side of a difference.
type FileRef struct {
	Path   string
	BlobID string
}

// Difference is one changed path as reported upstream. Before is nil for an
// added file, After is nil for a deleted one. A rename has both with
// different paths.
type Difference struct {
	Before *FileRef
	After  *FileRef
}

func (d Difference) sortPath() string {
	if d.After != nil {
		return d.After.Path
	}
	if d.Before != nil {
		return d.Before.Path
	}
	return ""
}

// Source is an upstream revision API.
type Source interface {
	// Commit returns commit metadata or a NotFoundError.
	Commit(ctx context.Context, id string) (Commit, error)
	// Differences lists changed files between before and after. An empty
	// before compares against the empty tree.
	Differences(ctx context.Context, before, after string) ([]Difference, error)
	// File returns the content referenced by ref.
	File(ctx context.Context, ref changes.BlobRef) ([]byte, error)
}

type ReaderOptions struct {
	Source Source
	Logger log.Logger
	Retry  retry.Policy

	// SourceRoot limits the sync to files under this repository directory
	// and strips it from the published key. Empty syncs the whole tree.
	SourceRoot string
}

// Reader is the revision diff reader.
type Reader struct {
	src    Source
	logger log.Logger
	retry  retry.Policy
	root   string
}

func NewReader(opts ReaderOptions) (*Reader, error) {
	if opts.Source == nil {
		return nil, xerrors.New("revision source is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Reader{
		src:    opts.Source,
		logger: opts.Logger,
		retry:  opts.Retry,
		root:   opts.SourceRoot,
	}, nil
}

// ParentOf returns the first parent of commit id, or "" for a root commit.
func (r *Reader) ParentOf(ctx context.Context, id string) (string, error) {
	c, err := r.commit(ctx, id)
	if err != nil {
		return "", err
	}
	if len(c.Parents) == 0 {
		return "", nil
	}
	return c.Parents[0], nil
}

// refresher is implemented by sources that read from a local copy of the
// repository, which lags behind pushes until it is refreshed.
type refresher interface {
	Refresh(ctx context.Context) error
}

func (r *Reader) commit(ctx context.Context, id string) (Commit, error) {
	if id == "" {
		return Commit{}, &syncerr.NotFoundError{Ref: id, Err: xerrors.New("empty commit id")}
	}
	get := func(ctx context.Context) (Commit, error) {
		return r.src.Commit(ctx, id)
	}
	c, err := retry.Value(ctx, r.retry, get)
	if err == nil || !syncerr.IsNotFound(err) {
		return c, err
	}
	rf, ok := r.src.(refresher)
	if !ok {
		return c, err
	}
	// the push that triggered us may be newer than the local copy
	if ferr := rf.Refresh(ctx); ferr != nil {
		r.logger.Warn(ctx, "refresh after unknown commit failed", "commit", id, "error", ferr)
		return c, err
	}
	return retry.Value(ctx, r.retry, get)
}

// Diff computes the ChangeSet for rng. Both commits are verified before the
// differences are read so a bad reference fails with NotFoundError.
func (r *Reader) Diff(ctx context.Context, rng changes.RevisionRange) (*changes.Set, error) {
	if _, err := r.commit(ctx, rng.After); err != nil {
		return nil, xerrors.Wrapf(err, "resolve after commit %s", rng.After)
	}
	if !rng.IsRoot() {
		if _, err := r.commit(ctx, rng.Before); err != nil {
			return nil, xerrors.Wrapf(err, "resolve before commit %s", rng.Before)
		}
	}

	diffs, err := retry.Value(ctx, r.retry, func(ctx context.Context) ([]Difference, error) {
		return r.src.Differences(ctx, rng.Before, rng.After)
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "read differences %s", rng)
	}

	sort.SliceStable(diffs, func(i, j int) bool { return diffs[i].sortPath() < diffs[j].sortPath() })

	set := &changes.Set{}
	add := func(e changes.Entry) {
		if err := set.Add(e); err != nil {
			set.Reject(e.Path, err)
			r.logger.Warn(ctx, "rejecting unusable path", "path", e.Path, "error", err)
		}
	}

	for _, d := range diffs {
		switch {
		case d.Before == nil && d.After == nil:
			continue
		case d.Before == nil:
			if key, ok := r.key(d.After.Path); ok {
				add(changes.Entry{Path: key, Kind: changes.Added, Blob: r.blob(rng.After, d.After)})
			}
		case d.After == nil:
			if key, ok := r.key(d.Before.Path); ok {
				add(changes.Entry{Path: key, Kind: changes.Deleted})
			}
		case d.Before.Path != d.After.Path:
			// destination keys are flat, so a rename is a delete plus an add
			if key, ok := r.key(d.Before.Path); ok {
				add(changes.Entry{Path: key, Kind: changes.Deleted})
			}
			if key, ok := r.key(d.After.Path); ok {
				add(changes.Entry{Path: key, Kind: changes.Added, Blob: r.blob(rng.After, d.After)})
			}
		default:
			if key, ok := r.key(d.After.Path); ok {
				add(changes.Entry{Path: key, Kind: changes.Modified, Blob: r.blob(rng.After, d.After)})
			}
		}
	}

	writes, deletes := set.Counts()
	r.logger.Info(ctx, "computed change set",
		"range", rng.String(),
		"differences", len(diffs),
		"writes", writes,
		"deletes", deletes,
		"rejected", len(set.Rejected()),
	)
	return set, nil
}

// key maps a repository path to the entry path under the source root.
func (r *Reader) key(repoPath string) (string, bool) {
	return pathutil.TrimRoot(repoPath, r.root)
}

func (r *Reader) blob(commit string, f *FileRef) *changes.BlobRef {
	return &changes.BlobRef{CommitID: commit, Path: f.Path, BlobID: f.BlobID}
}

// Open fetches the content for ref, retrying transient failures.
func (r *Reader) Open(ctx context.Context, ref changes.BlobRef) ([]byte, error) {
	data, err := retry.Value(ctx, r.retry, func(ctx context.Context) ([]byte, error) {
		return r.src.File(ctx, ref)
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s at %s", ref.Path, ref.CommitID)
	}
	return data, nil
}
