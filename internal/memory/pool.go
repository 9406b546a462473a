// Package memory implements a buddy-style pool allocator over a single
// fixed address range. internal/vmtracker creates one as the
// VirtualAllocTracker's reserve pool but does not allocate from it; the
// temp-file store does not use this package.
package memory

import "errors"

const (
	// MiB and GiB are convenience byte-size constants used when sizing pools.
	MiB = 1 << 20
	GiB = 1 << 30

	// memoryClassNumber is the number of size classes tracked: 1MiB, 4MiB,
	// 16MiB, 64MiB, 256MiB, 1GiB, 4GiB.
	memoryClassNumber = 7

	minimumClassSize = MiB
	maximumClassSize = MiB * 4096 // 4GiB, i.e. MiB * 4^(memoryClassNumber-1)
)

// classType indexes a size class; class k covers regions of MiB*4^k bytes.
type classType int

// ErrNotEnoughSpace is returned when no free region of a suitable class
// exists, even after attempting to split larger regions down.
var ErrNotEnoughSpace = errors.New("memory: not enough space in pool")

// ErrInvalidMemoryClass is returned for a size above maximumClassSize or a
// classType outside [0, memoryClassNumber).
var ErrInvalidMemoryClass = errors.New("memory: invalid memory class")

// ErrNotAllocated is returned by Release when the region passed in was not
// found in the busy set of its class (already released, or corrupted).
var ErrNotAllocated = errors.New("memory: region not currently allocated")

// region describes one pool slot: its size class and byte offset from the
// start of the pool's address range.
type region struct {
	class  classType
	offset uint64
}

// memoryPool holds the free and busy regions for a single size class.
type memoryPool struct {
	free map[uint64]*region
	busy map[uint64]*region
}

func newEmptyMemoryPool() *memoryPool {
	return &memoryPool{
		free: make(map[uint64]*region),
		busy: make(map[uint64]*region),
	}
}

// PoolAllocator is a buddy allocator over memoryClassNumber size classes.
// The zero value is a pool with no capacity; use NewPoolMemoryAllocator to
// get one seeded with a full maximumClassSize region.
type PoolAllocator struct {
	pools [memoryClassNumber]*memoryPool
}

// NewPoolMemoryAllocator returns an allocator seeded with a single
// maximumClassSize region at offset 0, ready to be carved up by Allocate.
func NewPoolMemoryAllocator() *PoolAllocator {
	pa := &PoolAllocator{}
	top := classType(memoryClassNumber - 1)
	pa.pools[top] = newEmptyMemoryPool()
	pa.pools[top].free[0] = &region{class: top, offset: 0}
	return pa
}

// GetMemoryClassSize returns the byte size of size class cls.
func GetMemoryClassSize(cls classType) (uint64, error) {
	if cls < 0 || cls >= memoryClassNumber {
		return 0, ErrInvalidMemoryClass
	}
	sz := uint64(minimumClassSize)
	for i := classType(0); i < cls; i++ {
		sz *= 4
	}
	return sz, nil
}

// GetMemoryClassType returns the smallest size class that can hold sz bytes.
func GetMemoryClassType(sz uint64) classType {
	for cls := classType(0); cls < memoryClassNumber; cls++ {
		clsSize, _ := GetMemoryClassSize(cls)
		if sz <= clsSize {
			return cls
		}
	}
	return memoryClassNumber - 1
}

func (pa *PoolAllocator) ensurePool(cls classType) *memoryPool {
	if pa.pools[cls] == nil {
		pa.pools[cls] = newEmptyMemoryPool()
	}
	return pa.pools[cls]
}

// findNextOffset returns the class and offset of some free region at class
// minClass or higher, without removing it from the free set.
func (pa *PoolAllocator) findNextOffset(minClass classType) (classType, uint64, error) {
	for cls := minClass; cls < memoryClassNumber; cls++ {
		pool := pa.pools[cls]
		if pool == nil {
			continue
		}
		for offset := range pool.free {
			return cls, offset, nil
		}
	}
	return 0, 0, ErrNotEnoughSpace
}

// split locates the smallest free region above targetClass and carves it
// down into targetClass-sized siblings, quartering one level at a time.
// Every sibling produced along the way is left in its class's free set
// except the one chosen to keep splitting at the next level down.
func (pa *PoolAllocator) split(targetClass classType) error {
	if targetClass < 0 || targetClass >= memoryClassNumber {
		return ErrInvalidMemoryClass
	}

	avail, offset, err := pa.findNextOffset(targetClass + 1)
	if err != nil {
		return err
	}

	delete(pa.pools[avail].free, offset)

	for cls := avail; cls > targetClass; cls-- {
		childCls := cls - 1
		childSize, szErr := GetMemoryClassSize(childCls)
		if szErr != nil {
			return szErr
		}
		childPool := pa.ensurePool(childCls)
		for i := uint64(0); i < 4; i++ {
			childOffset := offset + i*childSize
			childPool.free[childOffset] = &region{class: childCls, offset: childOffset}
		}
		if childCls > targetClass {
			// keep carving the first child down to the next level
			delete(childPool.free, offset)
		}
	}
	return nil
}

// Allocate reserves sz bytes, splitting larger free regions as needed, and
// returns a handle for later Release.
func (pa *PoolAllocator) Allocate(sz uint64) (*region, error) {
	if sz > maximumClassSize {
		return nil, ErrInvalidMemoryClass
	}
	cls := GetMemoryClassType(sz)
	pool := pa.ensurePool(cls)

	if len(pool.free) == 0 {
		if err := pa.split(cls); err != nil {
			return nil, err
		}
	}

	for offset, r := range pool.free {
		delete(pool.free, offset)
		pool.busy[offset] = r
		return r, nil
	}
	return nil, ErrNotEnoughSpace
}

// Release returns a previously allocated region to its class's free set.
func (pa *PoolAllocator) Release(r *region) error {
	pool := pa.pools[r.class]
	if pool == nil {
		return ErrNotAllocated
	}
	if _, ok := pool.busy[r.offset]; !ok {
		return ErrNotAllocated
	}
	delete(pool.busy, r.offset)
	pool.free[r.offset] = r
	return nil
}
