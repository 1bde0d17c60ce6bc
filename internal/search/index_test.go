package search

import "testing"

func TestTokenizeLowercasesAndSplits(t *testing.T) {
	got := Tokenize("The Quick-Brown Fox, 123!")
	want := []string{"the", "quick", "brown", "fox", "123"}
	if len(got) != len(want) {
		t.Fatalf("Tokenize() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Tokenize()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSearchRanksMoreRelevantDocHigher(t *testing.T) {
	ix := New()
	ix.Add("doc1", "the quick brown fox jumps over the lazy dog")
	ix.Add("doc2", "fox fox fox everywhere you look, a fox")
	ix.Add("doc3", "nothing relevant here at all")

	hits := ix.Search("fox")
	if len(hits) != 2 {
		t.Fatalf("Search() returned %d hits, want 2", len(hits))
	}
	if hits[0].DocID != "doc2" {
		t.Fatalf("hits[0].DocID = %q, want doc2 (higher term frequency)", hits[0].DocID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("hits not sorted descending: %+v", hits)
	}
}

func TestRemoveThenAddUpdatesIndex(t *testing.T) {
	ix := New()
	ix.Add("doc1", "alpha beta gamma")
	if hits := ix.Search("alpha"); len(hits) != 1 {
		t.Fatalf("expected doc1 to match alpha before removal")
	}

	ix.Remove("doc1")
	ix.Add("doc1", "delta epsilon")

	if hits := ix.Search("alpha"); len(hits) != 0 {
		t.Fatalf("Search(alpha) after remove-then-add = %v, want empty", hits)
	}
	if hits := ix.Search("delta"); len(hits) != 1 {
		t.Fatalf("Search(delta) after remove-then-add = %v, want 1 hit", hits)
	}
}

func TestIDFCacheInvalidatedOnAddAndRemove(t *testing.T) {
	ix := New()
	ix.Add("doc1", "common common common")
	ix.mu.Lock()
	idfBefore := ix.idfLocked("common")
	ix.mu.Unlock()

	ix.Add("doc2", "common word")

	ix.mu.Lock()
	idfAfter := ix.idfLocked("common")
	ix.mu.Unlock()

	if idfBefore == idfAfter {
		t.Fatalf("IDF cache was not invalidated after Add changed document frequency: before=%v after=%v", idfBefore, idfAfter)
	}
}

func TestMatchPhraseRequiresContiguousPositions(t *testing.T) {
	ix := New()
	ix.Add("doc1", "the quick brown fox jumps")

	if !ix.MatchPhrase("doc1", "quick brown fox") {
		t.Fatal("expected contiguous phrase to match")
	}
	if ix.MatchPhrase("doc1", "quick fox brown") {
		t.Fatal("expected non-contiguous term order to not match")
	}
}

func TestMatchPrefix(t *testing.T) {
	ix := New()
	ix.Add("doc1", "hello world")

	if !ix.MatchPrefix("doc1", "wor") {
		t.Fatal("expected prefix 'wor' to match 'world'")
	}
	if ix.MatchPrefix("doc1", "xyz") {
		t.Fatal("expected prefix 'xyz' to not match")
	}
}
