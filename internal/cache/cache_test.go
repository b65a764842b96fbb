package cache

import (
	"testing"

	"echo-forge-go/internal/types"
)

func result(fp string) *types.Result { return &types.Result{Fingerprint: fp, Transcript: fp} }

func TestEvictsOldestInserted(t *testing.T) {
	c := New(2)
	c.Put("a", result("a"))
	c.Put("b", result("b"))
	c.Get("a") // reads do not refresh
	c.Put("c", result("c"))

	if _, ok := c.Get("a"); ok {
		t.Error("a should have been evicted")
	}
	for _, k := range []string{"b", "c"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s missing", k)
		}
	}
}

func TestPutOverwriteIsLastWriteWins(t *testing.T) {
	c := New(2)
	c.Put("a", result("a"))
	c.Put("b", result("b"))
	second := &types.Result{Fingerprint: "a", Transcript: "second"}
	c.Put("a", second)
	c.Put("c", result("c"))

	got, ok := c.Get("a")
	if !ok || got != second {
		t.Fatalf("a = %+v, %v", got, ok)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted after a was rewritten")
	}
	if c.Len() != 2 {
		t.Errorf("len = %d", c.Len())
	}
}

func TestWarmKeepsNewest(t *testing.T) {
	c := New(2)
	// newest first, as history returns them
	n := c.Warm([]*types.Result{result("new"), result("mid"), result("old"), {Fingerprint: ""}})
	if n != 3 {
		t.Errorf("warmed = %d", n)
	}
	if _, ok := c.Get("old"); ok {
		t.Error("old should have been evicted")
	}
	if _, ok := c.Get("new"); !ok {
		t.Error("new missing")
	}
}
