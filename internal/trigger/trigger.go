// Package trigger is the narrow event type the sync engine consumes, with
// adapters from the upstream delivery formats.
package trigger

import (
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/go-github/v66/github"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
)

const branchPrefix = "refs/heads/"

// Record is one ref update. InferBefore is set when the sender does not
// report the previous commit; the engine then diffs against the first
// parent of After.
type Record struct {
	Repository  string `json:"repository,omitempty"`
	Ref         string `json:"ref"`
	Before      string `json:"before,omitempty"`
	After       string `json:"after"`
	InferBefore bool   `json:"infer_before,omitempty"`
}

// Event is one delivery, possibly carrying several ref updates.
type Event struct {
	ID      string   `json:"id,omitempty"`
	Records []Record `json:"records"`
}

// Branch returns the short branch name, or "" for non-branch refs.
func (r Record) Branch() string {
	if b, ok := strings.CutPrefix(r.Ref, branchPrefix); ok {
		return b
	}
	if strings.HasPrefix(r.Ref, "refs/") {
		return ""
	}
	return r.Ref
}

// Matches reports whether r targets branch in repository. An empty
// repository filter matches any repository.
func (r Record) Matches(branch, repository string) bool {
	if r.After == "" || isZero(r.After) {
		return false
	}
	want := strings.TrimPrefix(branch, branchPrefix)
	if want == "" || r.Branch() != want {
		return false
	}
	return repository == "" || r.Repository == "" || r.Repository == repository
}

// Range is the revision range of r. Zero object ids mean root.
func (r Record) Range() changes.RevisionRange {
	return changes.NewRange(r.Before, r.After, r.Ref)
}

func isZero(id string) bool {
	return strings.Trim(id, "0") == ""
}

// FromCodeCommit adapts a CodeCommit repository trigger. CodeCommit reports
// only the new commit of each reference.
func FromCodeCommit(e events.CodeCommitEvent) Event {
	var out Event
	for _, rec := range e.Records {
		if out.ID == "" {
			out.ID = rec.EventID
		}
		repo := repositoryFromARN(rec.EventSourceARN)
		for _, ref := range rec.CodeCommit.References {
			if ref.Commit == "" {
				continue
			}
			out.Records = append(out.Records, Record{
				Repository:  repo,
				Ref:         ref.Ref,
				After:       ref.Commit,
				InferBefore: true,
			})
		}
	}
	return out
}

// arn:aws:codecommit:<region>:<account>:<repository>
func repositoryFromARN(arn string) string {
	if i := strings.LastIndex(arn, ":"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

// FromGitHubPush adapts a GitHub push webhook. Branch deletions produce no
// record. A created branch reports an all-zero before and syncs from root.
func FromGitHubPush(e *github.PushEvent, deliveryID string) Event {
	out := Event{ID: deliveryID}
	if e == nil || e.GetDeleted() || e.GetAfter() == "" || isZero(e.GetAfter()) {
		return out
	}
	out.Records = append(out.Records, Record{
		Repository: e.GetRepo().GetName(),
		Ref:        e.GetRef(),
		Before:     e.GetBefore(),
		After:      e.GetAfter(),
	})
	return out
}
