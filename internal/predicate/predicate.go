// Package predicate implements the filter-tree evaluator and cursor-based
// pagination used by the query coordinator and subscription manager.
// Offset/limit pagination is intentionally absent: cursors are the only
// supported scheme, to avoid double-apply bugs when merging locally and
// server-side pages.
package predicate

import (
	"fmt"
	"regexp"
	"strings"
)

// Op identifies a leaf comparator or logical combinator.
type Op string

const (
	Eq      Op = "eq"
	Neq     Op = "neq"
	Lt      Op = "lt"
	Lte     Op = "lte"
	Gt      Op = "gt"
	Gte     Op = "gte"
	Like    Op = "like"
	Regex   Op = "regex"
	Between Op = "between"

	Match       Op = "match"
	MatchPhrase Op = "matchPhrase"
	MatchPrefix Op = "matchPrefix"

	And Op = "and"
	Or  Op = "or"
	Not Op = "not"
)

// Node is one predicate tree node. Leaf nodes set Field/Value; combinators
// set Children (And/Or) or a single child (Not, stored as Children[0]).
type Node struct {
	Op       Op
	Field    string
	Value    any
	Children []Node
}

// Record is the attribute lookup a predicate evaluates against. A missing
// attribute and an explicit nil are distinguished: Get reports found=false
// only when the attribute is entirely absent.
type Record interface {
	Get(field string) (value any, found bool)
}

// MapRecord adapts a plain map as a Record.
type MapRecord map[string]any

func (m MapRecord) Get(field string) (any, bool) {
	v, ok := m[field]
	return v, ok
}

// FullTextIndex is the narrow surface match/matchPhrase/matchPrefix leaves
// need from internal/search, so this package does not import it directly.
// MatchingDocIDs returns the set of documents a query matches, without the
// scores. No query path computes scores: query.Coordinator holds no search
// index, and a `_score` sort key is read like any other document field.
// Ranked scores come only from search.Index.Search.
type FullTextIndex interface {
	MatchPhrase(docID, phrase string) bool
	MatchPrefix(docID, prefix string) bool
	MatchingDocIDs(query string) map[string]bool
}

// Eval evaluates node against rec. docID and index are only consulted for
// match/matchPhrase/matchPrefix leaves; pass docID="" and index=nil when
// full-text leaves are not in use.
func Eval(node Node, rec Record, docID string, index FullTextIndex) bool {
	switch node.Op {
	case And:
		for _, c := range node.Children {
			if !Eval(c, rec, docID, index) {
				return false
			}
		}
		return true // empty and is true
	case Or:
		for _, c := range node.Children {
			if Eval(c, rec, docID, index) {
				return true
			}
		}
		return false // empty or is false
	case Not:
		if len(node.Children) == 0 {
			return true // not of absent operand is true
		}
		return !Eval(node.Children[0], rec, docID, index)
	default:
		return evalLeaf(node, rec, docID, index)
	}
}

func evalLeaf(node Node, rec Record, docID string, index FullTextIndex) bool {
	val, found := rec.Get(node.Field)

	if node.Op == Eq && node.Value == nil {
		// eq(null) matches an explicit null, distinct from a missing field.
		return found && val == nil
	}
	if !found {
		return false
	}

	switch node.Op {
	case Eq:
		return compareEqual(val, node.Value)
	case Neq:
		return !compareEqual(val, node.Value)
	case Lt, Lte, Gt, Gte:
		return compareOrdered(node.Op, val, node.Value)
	case Between:
		bounds, ok := node.Value.([]any)
		if !ok || len(bounds) != 2 {
			return false
		}
		// Inclusive on both ends, so between(x, x) matches exactly x.
		return compareOrdered(Gte, val, bounds[0]) && compareOrdered(Lte, val, bounds[1])
	case Like:
		return likeMatch(fmt.Sprint(val), fmt.Sprint(node.Value))
	case Regex:
		pattern, ok := node.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprint(val))
	case Match:
		if index == nil {
			return false
		}
		query, _ := node.Value.(string)
		return index.MatchingDocIDs(query)[docID]
	case MatchPhrase:
		if index == nil {
			return false
		}
		phrase, _ := node.Value.(string)
		return index.MatchPhrase(docID, phrase)
	case MatchPrefix:
		if index == nil {
			return false
		}
		prefix, _ := node.Value.(string)
		return index.MatchPrefix(docID, prefix)
	default:
		return false
	}
}

func compareEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareOrdered(op Op, a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		as, bs := fmt.Sprint(a), fmt.Sprint(b)
		switch op {
		case Lt:
			return as < bs
		case Lte:
			return as <= bs
		case Gt:
			return as > bs
		case Gte:
			return as >= bs
		}
		return false
	}
	switch op {
	case Lt:
		return af < bf
	case Lte:
		return af <= bf
	case Gt:
		return af > bf
	case Gte:
		return af >= bf
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

// likeMatch implements SQL LIKE semantics (% and _ wildcards,
// case-insensitive).
func likeMatch(value, pattern string) bool {
	value = strings.ToLower(value)
	pattern = strings.ToLower(pattern)

	var re strings.Builder
	re.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			re.WriteString(".*")
		case '_':
			re.WriteString(".")
		default:
			re.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	re.WriteString("$")

	matched, err := regexp.MatchString(re.String(), value)
	if err != nil {
		return false
	}
	return matched
}
