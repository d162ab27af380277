package syncgroup

import (
	"reflect"
	"testing"
)

func TestMemoryStoreSetGetDelete(t *testing.T) {
	store := NewMemoryStore()

	if !store.Set("participant:a", []byte("alive")) {
		t.Fatalf("set failed")
	}
	value, ok := store.Get("participant:a")
	if !ok {
		t.Fatalf("expected key to exist")
	}
	if string(value) != "alive" {
		t.Fatalf("value mismatch: %q", value)
	}

	store.Delete("participant:a")
	if _, ok := store.Get("participant:a"); ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	store.Set("k", []byte("abc"))

	value, _ := store.Get("k")
	value[0] = 'x'

	again, _ := store.Get("k")
	if string(again) != "abc" {
		t.Fatalf("stored value mutated through returned slice: %q", again)
	}
}

func TestMemoryStoreListKeysByPrefix(t *testing.T) {
	store := NewMemoryStore()
	store.Set("participant:b", []byte("1"))
	store.Set("participant:a", []byte("2"))
	store.Set("sync:cart", []byte("3"))

	keys := store.ListKeys("participant:")
	want := []string{"participant:a", "participant:b"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("keys mismatch: %v", keys)
	}
	if got := store.ListKeys("missing:"); len(got) != 0 {
		t.Fatalf("expected no keys, got %v", got)
	}
}

func TestMemoryStoreQuota(t *testing.T) {
	store := NewMemoryStoreWithLimit(10)

	if !store.Set("k", []byte("12345")) {
		t.Fatalf("write within quota failed")
	}
	if store.Set("big", []byte("1234567890")) {
		t.Fatalf("expected quota rejection")
	}
	// The failed write must not corrupt existing entries.
	value, ok := store.Get("k")
	if !ok || string(value) != "12345" {
		t.Fatalf("existing entry damaged: %q ok=%v", value, ok)
	}

	store.Delete("k")
	if !store.Set("k2", []byte("1234")) {
		t.Fatalf("expected freed quota to admit write")
	}
}
