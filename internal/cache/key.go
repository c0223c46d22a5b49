package cache

import (
	"net/url"
	"strconv"
	"strings"

	"sunarp-console/internal/analyses"
)

const (
	entityScope = "analysis"
	listScope   = "analyses"
)

// Key identifies one cached snapshot. Keys are slash-joined escaped segments,
// so a prefix match on segment boundaries selects a whole class of keys.
type Key string

// AllLists is the class prefix shared by every collection key.
const AllLists Key = listScope

func keyOf(parts ...string) Key {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return Key(strings.Join(escaped, "/"))
}

// EntityKey is the key for one analysis by id.
func EntityKey(id string) Key {
	return keyOf(entityScope, id)
}

// ListKey is the key for one concrete page/filter combination.
func ListKey(p analyses.ListParams) Key {
	p = p.Normalize()
	return keyOf(listScope,
		"page="+strconv.Itoa(p.Page),
		"per_page="+strconv.Itoa(p.PerPage),
		"status="+string(p.Status),
	)
}

// HasPrefix reports whether k equals prefix or lies beneath it.
func (k Key) HasPrefix(prefix Key) bool {
	if prefix == "" {
		return true
	}
	return k == prefix || strings.HasPrefix(string(k), string(prefix)+"/")
}
