package changes

import (
	"errors"
	"testing"
)

func blob(path string) *BlobRef { return &BlobRef{CommitID: "c1", Path: path} }

func TestEntryValidate(t *testing.T) {
	tests := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{"added ok", Entry{Path: "index.html", Kind: Added, Blob: blob("index.html")}, false},
		{"modified ok", Entry{Path: "css/site.css", Kind: Modified, Blob: blob("css/site.css")}, false},
		{"deleted ok", Entry{Path: "old.html", Kind: Deleted}, false},
		{"empty path", Entry{Path: "", Kind: Deleted}, true},
		{"leading slash", Entry{Path: "/a", Kind: Deleted}, true},
		{"dot segment", Entry{Path: "a/../b", Kind: Deleted}, true},
		{"backslash", Entry{Path: "a\\b", Kind: Deleted}, true},
		{"added without blob", Entry{Path: "a", Kind: Added}, true},
		{"deleted with blob", Entry{Path: "a", Kind: Deleted, Blob: blob("a")}, true},
		{"unknown kind", Entry{Path: "a", Kind: Kind(9)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSet_LastWriteWins(t *testing.T) {
	s, err := NewSet(
		Entry{Path: "x", Kind: Modified, Blob: blob("x")},
		Entry{Path: "y", Kind: Added, Blob: blob("y")},
		Entry{Path: "x", Kind: Deleted},
	)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	got := s.Entries()
	if got[0].Path != "y" || got[1].Path != "x" {
		t.Fatalf("order = [%s %s], want [y x]", got[0].Path, got[1].Path)
	}
	if e, _ := s.Get("x"); e.Kind != Deleted {
		t.Fatalf("x kind = %s, want deleted", e.Kind)
	}
	if e, _ := s.Get("y"); e.Kind != Added {
		t.Fatalf("y kind = %s, want added", e.Kind)
	}
	w, d := s.Counts()
	if w != 1 || d != 1 {
		t.Fatalf("Counts() = %d,%d want 1,1", w, d)
	}
}

func TestSet_RejectsInvalid(t *testing.T) {
	var s Set
	if err := s.Add(Entry{Path: "", Kind: Deleted}); err == nil {
		t.Fatal("expected error for empty path")
	}
	if s.Len() != 0 {
		t.Fatal("invalid entry should not be added")
	}
}

func TestSet_EntriesIsCopy(t *testing.T) {
	s, _ := NewSet(Entry{Path: "a", Kind: Deleted})
	e := s.Entries()
	e[0].Path = "mutated"
	if got, _ := s.Get("a"); got.Path != "a" {
		t.Fatal("Entries() must not expose internal storage")
	}
}

func TestSet_NilSafe(t *testing.T) {
	var s *Set
	if s.Len() != 0 || s.Entries() != nil {
		t.Fatal("nil set should be empty")
	}
	if _, ok := s.Get("a"); ok {
		t.Fatal("nil set Get should miss")
	}
}

func TestNewRange_ZeroIDs(t *testing.T) {
	r := NewRange("0000000000000000000000000000000000000000", "abc", "refs/heads/main")
	if !r.IsRoot() {
		t.Fatal("all-zero before should be root")
	}
	if r.After != "abc" {
		t.Fatalf("After = %q", r.After)
	}
	if got := r.String(); got != "(root)..abc" {
		t.Fatalf("String() = %q", got)
	}
}

func TestResult_Immutable(t *testing.T) {
	paths := []string{"/b", "/a", "/b"}
	errs := []PathError{{Path: "y", Cause: errors.New("boom")}}
	r := NewResult(ResultParams{
		PublishedCount:   2,
		DeletedCount:     1,
		InvalidatedPaths: paths,
		Errors:           errs,
	})
	paths[0] = "/mutated"
	errs[0].Path = "mutated"

	inv := r.InvalidatedPaths()
	if len(inv) != 2 || inv[0] != "/a" || inv[1] != "/b" {
		t.Fatalf("InvalidatedPaths() = %v, want [/a /b]", inv)
	}
	inv[0] = "/x"
	if r.InvalidatedPaths()[0] != "/a" {
		t.Fatal("accessor must return a copy")
	}
	if r.Errors()[0].Path != "y" {
		t.Fatal("errors must be copied at construction")
	}
	if !r.Failed() {
		t.Fatal("Failed() should be true with errors")
	}
}

func TestPathError_Unwrap(t *testing.T) {
	cause := errors.New("denied")
	pe := PathError{Path: "a.html", Cause: cause}
	if !errors.Is(pe, cause) {
		t.Fatal("PathError should unwrap to cause")
	}
	if pe.Error() != "a.html: denied" {
		t.Fatalf("Error() = %q", pe.Error())
	}
}

func TestSet_Rejected(t *testing.T) {
	var s Set
	if s.Rejected() != nil {
		t.Fatal("zero Set has no rejected paths")
	}
	cause := errors.New("bad path")
	s.Reject("a/../b", cause)
	got := s.Rejected()
	if len(got) != 1 || got[0].Path != "a/../b" || !errors.Is(got[0], cause) {
		t.Fatalf("Rejected = %v", got)
	}
	got[0].Path = "changed"
	if s.Rejected()[0].Path != "a/../b" {
		t.Fatal("Rejected must return a copy")
	}
	if s.Len() != 0 {
		t.Fatal("rejected paths are not entries")
	}
}
