package pool_test

import (
	"testing"

	"github.com/reaktive/tcp-nukleus/internal/pool"
)

func TestArenaAcquireRelease(t *testing.T) {
	a := pool.NewArena(2, 16)

	id1, ok := a.Acquire()
	if !ok {
		t.Fatal("acquire 1 failed")
	}
	id2, ok := a.Acquire()
	if !ok {
		t.Fatal("acquire 2 failed")
	}
	if id1 == id2 {
		t.Fatalf("acquired the same slot twice: %d", id1)
	}
	if a.InUse() != 2 {
		t.Fatalf("InUse() = %d, want 2", a.InUse())
	}

	if _, ok := a.Acquire(); ok {
		t.Fatal("acquire on exhausted arena should fail")
	}

	a.Release(id1)
	if a.InUse() != 1 {
		t.Fatalf("InUse() after release = %d, want 1", a.InUse())
	}
	if _, ok := a.Acquire(); !ok {
		t.Fatal("acquire after release should succeed")
	}
}

func TestArenaReleaseTwicePanics(t *testing.T) {
	a := pool.NewArena(1, 8)
	id, _ := a.Acquire()
	a.Release(id)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double release")
		}
	}()
	a.Release(id)
}

func TestArenaBytesIsolatedPerSlot(t *testing.T) {
	a := pool.NewArena(2, 4)
	id1, _ := a.Acquire()
	id2, _ := a.Acquire()

	copy(a.Bytes(id1), []byte("abcd"))
	copy(a.Bytes(id2), []byte("wxyz"))

	if string(a.Bytes(id1)) != "abcd" {
		t.Fatalf("slot 1 corrupted: %q", a.Bytes(id1))
	}
	if string(a.Bytes(id2)) != "wxyz" {
		t.Fatalf("slot 2 corrupted: %q", a.Bytes(id2))
	}
}
