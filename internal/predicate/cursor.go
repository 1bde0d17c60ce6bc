package predicate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// SortKey is one field in a multi-field sort, e.g. {Field: "score", Desc:
// false}. The primary key is always appended as the final tiebreaker, so
// duplicate sort keys still produce a total order.
type SortKey struct {
	Field string
	Desc  bool
}

// Cursor encodes the last emitted row's sort-key vector plus its primary
// key, opaque to callers. It is the only supported pagination mechanism —
// offset/limit is intentionally not implemented, to avoid double-apply bugs
// when merging local and server pages.
type Cursor struct {
	Values []any  `json:"v"`
	PK     string `json:"pk"`
}

// Encode renders c as an opaque base64 token.
func (c Cursor) Encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses a token produced by Cursor.Encode.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("predicate: malformed cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("predicate: malformed cursor: %w", err)
	}
	return c, nil
}

// Row is one candidate result row carrying its primary key and the
// precomputed sort-key values (in SortKey order) used to compare rows and
// to build the next cursor.
type Row struct {
	PK     string
	Values []any
}

// Page applies sort order, an optional cursor (rows strictly after it), and
// limit to rows, returning the page and whether more rows remain.
func Page(rows []Row, keys []SortKey, cursor *Cursor, limit int) (page []Row, nextCursor *Cursor, hasMore bool) {
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sortRows(sorted, keys)

	start := 0
	if cursor != nil {
		for i, r := range sorted {
			if rowAfterCursor(r, keys, *cursor) {
				start = i
				break
			}
			start = i + 1
		}
	}

	remaining := sorted[start:]
	if limit <= 0 || limit >= len(remaining) {
		return remaining, nil, false
	}

	page = remaining[:limit]
	last := page[len(page)-1]
	nc := Cursor{Values: last.Values, PK: last.PK}
	return page, &nc, true
}

// rowAfterCursor reports whether r sorts strictly after the cursor's
// recorded position, using the primary key as the final tiebreaker.
func rowAfterCursor(r Row, keys []SortKey, cursor Cursor) bool {
	cmp := compareVectors(r.Values, cursor.Values, keys)
	if cmp != 0 {
		return cmp > 0
	}
	return r.PK > cursor.PK
}

func sortRows(rows []Row, keys []SortKey) {
	// Insertion sort: page sizes are small (cursor pagination never
	// materializes an unbounded result), matching internal/search's choice.
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rowLess(rows[j], rows[j-1], keys); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

func rowLess(a, b Row, keys []SortKey) bool {
	cmp := compareVectors(a.Values, b.Values, keys)
	if cmp != 0 {
		return cmp < 0
	}
	return a.PK < b.PK
}

// compareVectors compares two sort-key vectors field by field, honoring
// each key's direction, returning <0, 0, >0.
func compareVectors(a, b []any, keys []SortKey) int {
	for i := 0; i < len(keys) && i < len(a) && i < len(b); i++ {
		c := compareValues(a[i], b[i])
		if keys[i].Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}
