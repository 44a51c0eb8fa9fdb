// Package pool implements the fixed-size slot arena described in spec.md
// section 3 ("Slot") and section 9 ("Buffer pool / slots"): an arena with
// a free-list of fixed-size slabs, where slot ids are plain indices, not
// pointers.
//
// Grounded on pool/slab_pool.go's free-list-backed BufferPool from the
// teacher repo, narrowed for the single-reactor-thread ownership model of
// spec.md section 5 ("no locks are taken on the hot path"): the teacher's
// slab pool is built for concurrent producers (lock-free queue, NUMA
// stats under an atomic pointer); this arena drops all of that in favor
// of a plain slice and free-list, since only the reactor goroutine ever
// touches it.
package pool

import "fmt"

// SlotID identifies a slot by arena index.
type SlotID int

const noSlot SlotID = -1

// Arena is a fixed-size-slab pool of pre-allocated slots. A slot is
// exclusively owned by whichever WriteStream currently holds it
// (spec.md section 3).
type Arena struct {
	slotSize int
	slabs    [][]byte
	free     []SlotID
	inUse    int
}

// NewArena allocates count slots of slotSize bytes each.
func NewArena(count, slotSize int) *Arena {
	a := &Arena{
		slotSize: slotSize,
		slabs:    make([][]byte, count),
		free:     make([]SlotID, 0, count),
	}
	for i := 0; i < count; i++ {
		a.slabs[i] = make([]byte, slotSize)
		a.free = append(a.free, SlotID(i))
	}
	return a
}

// Acquire removes a slot from the free list. ok is false if the arena is
// exhausted, at which point the caller must increment the overflow
// counter and refuse the write (spec.md section 4.H).
func (a *Arena) Acquire() (id SlotID, ok bool) {
	if len(a.free) == 0 {
		return noSlot, false
	}
	n := len(a.free) - 1
	id = a.free[n]
	a.free = a.free[:n]
	a.inUse++
	return id, true
}

// Bytes returns the backing slab for id.
func (a *Arena) Bytes(id SlotID) []byte {
	return a.slabs[id]
}

// Capacity returns the size in bytes of every slot.
func (a *Arena) Capacity() int { return a.slotSize }

// Release returns id to the free list. Releasing an id twice is a
// programming error and panics, since spec.md's invariant 5 ("open slot
// count in {0,1} per connection") depends on exact release discipline.
func (a *Arena) Release(id SlotID) {
	for _, f := range a.free {
		if f == id {
			panic(fmt.Sprintf("pool: slot %d released twice", id))
		}
	}
	a.free = append(a.free, id)
	a.inUse--
}

// InUse returns the number of slots currently checked out.
func (a *Arena) InUse() int { return a.inUse }

// Len returns the total slot count.
func (a *Arena) Len() int { return len(a.slabs) }
