package invalidate

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
)

const indexDocument = "index.html"

// CDNPaths translates change set paths into invalidation paths. Every path
// gets a leading slash and percent-encoded segments; "dir/index.html" also
// yields "/dir/" and a root "index.html" yields "/". Output order follows
// input order with duplicates removed.
func CDNPaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range paths {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		add("/" + escapePath(p))
		if p == indexDocument {
			add("/")
		} else if dir, ok := strings.CutSuffix(p, "/"+indexDocument); ok {
			add("/" + escapePath(dir) + "/")
		}
	}
	return out
}

// ViewerPaths maps object keys to the paths viewers request. Keys under
// originPath lose that prefix; keys outside it are returned separately.
func ViewerPaths(keys []string, originPath string) (paths, outside []string) {
	originPath = strings.Trim(originPath, "/")
	if originPath == "" {
		return keys, nil
	}
	paths = make([]string, 0, len(keys))
	for _, k := range keys {
		rel, ok := strings.CutPrefix(strings.TrimPrefix(k, "/"), originPath+"/")
		if !ok {
			outside = append(outside, k)
			continue
		}
		paths = append(paths, rel)
	}
	return paths, outside
}

// escapePath encodes each segment so reserved characters, including the
// "*" wildcard, are taken literally by the CDN.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// CallerReference is a deterministic id for one invalidation batch, so a
// redelivered trigger resubmits the same request instead of a new one.
// Both ends of the range are hashed: a rollback to an earlier commit is a
// new change and must not collapse onto the invalidation that first
// published it.
func CallerReference(rng changes.RevisionRange, paths []string) string {
	h := sha256.New()
	h.Write([]byte(rng.Before))
	h.Write([]byte{0})
	h.Write([]byte(rng.After))
	for _, p := range paths {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return "sitesync-" + hex.EncodeToString(h.Sum(nil))[:40]
}

func batches(paths []string, size int) [][]string {
	var out [][]string
	for len(paths) > 0 {
		n := min(size, len(paths))
		out = append(out, paths[:n:n])
		paths = paths[n:]
	}
	return out
}
