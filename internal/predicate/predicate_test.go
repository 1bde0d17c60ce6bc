package predicate

import "testing"

func TestEqMatchesAndMismatches(t *testing.T) {
	rec := MapRecord{"status": "active"}
	if !Eval(Node{Op: Eq, Field: "status", Value: "active"}, rec, "", nil) {
		t.Fatal("expected eq match")
	}
	if Eval(Node{Op: Eq, Field: "status", Value: "inactive"}, rec, "", nil) {
		t.Fatal("expected eq mismatch")
	}
}

func TestMissingAttributeFalseExceptEqNull(t *testing.T) {
	rec := MapRecord{}
	if Eval(Node{Op: Eq, Field: "missing", Value: "x"}, rec, "", nil) {
		t.Fatal("missing attribute should evaluate to false")
	}
	if Eval(Node{Op: Neq, Field: "missing", Value: "x"}, rec, "", nil) {
		t.Fatal("missing attribute should evaluate to false even for neq")
	}
	if Eval(Node{Op: Eq, Field: "missing", Value: nil}, rec, "", nil) {
		t.Fatal("eq(null) should not match an entirely absent field")
	}

	recNull := MapRecord{"deletedAt": nil}
	if !Eval(Node{Op: Eq, Field: "deletedAt", Value: nil}, recNull, "", nil) {
		t.Fatal("eq(null) should match an explicit null value")
	}
}

func TestEmptyAndIsTrueEmptyOrIsFalse(t *testing.T) {
	rec := MapRecord{}
	if !Eval(Node{Op: And}, rec, "", nil) {
		t.Fatal("empty and should be true")
	}
	if Eval(Node{Op: Or}, rec, "", nil) {
		t.Fatal("empty or should be false")
	}
}

func TestNotOfAbsentOperandIsTrue(t *testing.T) {
	rec := MapRecord{}
	if !Eval(Node{Op: Not}, rec, "", nil) {
		t.Fatal("not of absent operand should be true")
	}
}

func TestLikeWildcardsCaseInsensitive(t *testing.T) {
	rec := MapRecord{"name": "Alice Smith"}
	if !Eval(Node{Op: Like, Field: "name", Value: "alice%"}, rec, "", nil) {
		t.Fatal("expected like with % wildcard to match")
	}
	if !Eval(Node{Op: Like, Field: "name", Value: "Alice_Smith"}, rec, "", nil) {
		t.Fatal("expected like with _ wildcard to match single char")
	}
	if Eval(Node{Op: Like, Field: "name", Value: "bob%"}, rec, "", nil) {
		t.Fatal("expected like mismatch")
	}
}

func TestAndOrNotComposition(t *testing.T) {
	rec := MapRecord{"age": 30, "status": "active"}
	node := Node{Op: And, Children: []Node{
		{Op: Gte, Field: "age", Value: 18},
		{Op: Not, Children: []Node{{Op: Eq, Field: "status", Value: "banned"}}},
	}}
	if !Eval(node, rec, "", nil) {
		t.Fatal("expected composed predicate to match")
	}
}

// Seed 10 items with score 0..9, page size 3: pages are [0,1,2] then
// [3,4,5], each with a cursor and hasMore.
func TestPaginationWithCursor(t *testing.T) {
	rows := make([]Row, 10)
	for i := 0; i < 10; i++ {
		rows[i] = Row{PK: itoa(i), Values: []any{i}}
	}
	keys := []SortKey{{Field: "score", Desc: false}}

	page1, cursor1, more1 := Page(rows, keys, nil, 3)
	assertPKs(t, page1, []string{"0", "1", "2"})
	if !more1 || cursor1 == nil {
		t.Fatal("expected hasMore=true and a cursor after page 1")
	}

	page2, _, more2 := Page(rows, keys, cursor1, 3)
	assertPKs(t, page2, []string{"3", "4", "5"})
	if !more2 {
		t.Fatal("expected hasMore=true after page 2")
	}
}

func TestCursorEncodeDecodeRoundTrip(t *testing.T) {
	c := Cursor{Values: []any{float64(42)}, PK: "k1"}
	token, err := c.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}
	if got.PK != "k1" {
		t.Fatalf("PK = %q, want k1", got.PK)
	}
}

func assertPKs(t *testing.T, page []Row, want []string) {
	t.Helper()
	if len(page) != len(want) {
		t.Fatalf("page = %v, want %d rows matching %v", page, len(want), want)
	}
	for i, r := range page {
		if r.PK != want[i] {
			t.Fatalf("page[%d].PK = %q, want %q", i, r.PK, want[i])
		}
	}
}

func itoa(i int) string {
	digits := "0123456789"
	if i < 10 {
		return string(digits[i])
	}
	return string(digits[i/10]) + string(digits[i%10])
}

func TestBetweenInclusiveOnBothEnds(t *testing.T) {
	rec := MapRecord{"score": 5}
	if !Eval(Node{Op: Between, Field: "score", Value: []any{5, 5}}, rec, "", nil) {
		t.Fatal("between(x, x) must match exactly x")
	}
	if !Eval(Node{Op: Between, Field: "score", Value: []any{1, 10}}, rec, "", nil) {
		t.Fatal("expected 5 within [1, 10]")
	}
	if Eval(Node{Op: Between, Field: "score", Value: []any{6, 10}}, rec, "", nil) {
		t.Fatal("expected 5 outside [6, 10]")
	}
}
