package cache

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"sort"
	"strings"
)

// RequestKey derives a deterministic cache key from the identity of a
// request. Query parameters are sorted so equivalent URLs collapse onto the
// same key regardless of parameter order.
//
// The canonical representation is method|path|k=v&k=v hashed with FNV-1a.
type RequestKey struct {
	Method string
	Path   string
	Query  url.Values
}

// Hash returns the hex-encoded FNV-1a digest of the canonical request
// identity, prefixed with the response-cache namespace.
func (k RequestKey) Hash() string {
	h := fnv.New64a()

	_, _ = h.Write([]byte(strings.ToUpper(k.Method)))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(k.Path))
	_, _ = h.Write([]byte("|"))

	if len(k.Query) > 0 {
		names := make([]string, 0, len(k.Query))
		for name := range k.Query {
			names = append(names, name)
		}
		sort.Strings(names)

		parts := make([]string, 0, len(names))
		for _, name := range names {
			values := append([]string{}, k.Query[name]...)
			sort.Strings(values)
			for _, value := range values {
				parts = append(parts, name+"="+value)
			}
		}
		_, _ = h.Write([]byte(strings.Join(parts, "&")))
	}

	return fmt.Sprintf("resp:%016x", h.Sum64())
}

// IdentityKey builds a cache key from caller-supplied identity parts, for
// callers whose unit of work is not an HTTP request.
func IdentityKey(parts ...string) string {
	h := fnv.New64a()
	for i, part := range parts {
		if i > 0 {
			_, _ = h.Write([]byte("|"))
		}
		_, _ = h.Write([]byte(part))
	}
	return fmt.Sprintf("resp:%016x", h.Sum64())
}
