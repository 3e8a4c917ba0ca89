package storage

import (
	"math/bits"
)

// idIndex is a fixed-capacity open-addressing hash table mapping a caller id
// to a slot index. Deletion is out of scope for this spec (§4.1), so linear
// probing needs no tombstones: a lookup simply walks occupied slots until it
// finds the key or an empty bucket.
//
// This is the one structure in the module built on nothing but the standard
// library — see DESIGN.md for why no pack dependency fits a fixed-capacity,
// zero-allocation-after-open id index.
type idIndex struct {
	keys     []uint64
	slots    []uint32
	occupied []bool
	mask     uint64
}

// newIDIndex sizes the table so that, at full pool capacity, load factor
// stays at or below 0.75 (spec §4.1 invariant).
func newIDIndex(capacity uint32) *idIndex {
	size := nextPow2(uint64(capacity)*4/3 + 1)
	if size < 8 {
		size = 8
	}
	return &idIndex{
		keys:     make([]uint64, size),
		slots:    make([]uint32, size),
		occupied: make([]bool, size),
		mask:     size - 1,
	}
}

func nextPow2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << uint(64-bits.LeadingZeros64(n-1))
}

func (h *idIndex) hash(id uint64) uint64 {
	// splitmix64 finalizer: fast, good avalanche for sequential ids.
	x := id
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// put inserts id → slot. Returns false if id is already present (caller must
// treat this as DuplicateId before mutating the arena).
func (h *idIndex) put(id uint64, slot uint32) bool {
	i := h.hash(id) & h.mask
	for {
		if !h.occupied[i] {
			h.keys[i] = id
			h.slots[i] = slot
			h.occupied[i] = true
			return true
		}
		if h.keys[i] == id {
			return false
		}
		i = (i + 1) & h.mask
	}
}

// get returns the slot for id, if indexed.
func (h *idIndex) get(id uint64) (uint32, bool) {
	i := h.hash(id) & h.mask
	for h.occupied[i] {
		if h.keys[i] == id {
			return h.slots[i], true
		}
		i = (i + 1) & h.mask
	}
	return 0, false
}

// NodePool is the struct-of-arrays arena for nodes (spec §3, §4.1).
type NodePool struct {
	ids   []uint64
	kinds []uint8
	props []byte // flat, capacity*NProps bytes; node i occupies props[i*NProps:(i+1)*NProps]
	count uint32
	cap   uint32
	index *idIndex
}

// NewNodePool allocates the node arena once, at capacity, with no further
// ambient allocation expected for the life of the session.
func NewNodePool(capacity uint32) *NodePool {
	return &NodePool{
		ids:   make([]uint64, capacity),
		kinds: make([]uint8, capacity),
		props: make([]byte, uint64(capacity)*NProps),
		cap:   capacity,
		index: newIDIndex(capacity),
	}
}

// Insert reserves a slot, writes (id, kind, props), and indexes id → slot.
// props shorter than NProps is zero-padded; longer is truncated to NProps
// (the WAL codec does the same).
func (p *NodePool) Insert(id uint64, kind uint8, props []byte) (uint32, error) {
	if _, ok := p.index.get(id); ok {
		return 0, ErrDuplicateID
	}
	if p.count >= p.cap {
		return 0, ErrPoolExhausted
	}
	slot := p.count
	p.ids[slot] = id
	p.kinds[slot] = kind
	off := uint64(slot) * NProps
	clear(p.props[off : off+NProps])
	copy(p.props[off:off+NProps], props)
	p.index.put(id, slot)
	p.count++
	return slot, nil
}

// Find returns the slot for id, O(1) expected.
func (p *NodePool) Find(id uint64) (uint32, bool) {
	return p.index.get(id)
}

// At returns the (id, kind, props) stored at slot. Callers reading through
// the seqlock must treat slot >= Count() as not-yet-visible.
func (p *NodePool) At(slot uint32) (id uint64, kind uint8, props []byte) {
	off := uint64(slot) * NProps
	return p.ids[slot], p.kinds[slot], p.props[off : off+NProps]
}

// Count returns the number of live node slots.
func (p *NodePool) Count() uint32 { return p.count }

// Capacity returns the node arena's fixed capacity.
func (p *NodePool) Capacity() uint32 { return p.cap }

// EdgePool is the struct-of-arrays arena for edges (spec §3, §4.1). Multiple
// edges between the same (from, to) pair are allowed; there is no id index.
type EdgePool struct {
	from  []uint64
	to    []uint64
	label []uint16
	props []byte // flat, capacity*NEProps bytes
	count uint32
	cap   uint32
}

// NewEdgePool allocates the edge arena once, at capacity.
func NewEdgePool(capacity uint32) *EdgePool {
	return &EdgePool{
		from:  make([]uint64, capacity),
		to:    make([]uint64, capacity),
		label: make([]uint16, capacity),
		props: make([]byte, uint64(capacity)*NEProps),
		cap:   capacity,
	}
}

// Insert reserves an edge slot; duplicates across (from, to) are allowed.
func (p *EdgePool) Insert(from, to uint64, label uint16, props []byte) (uint32, error) {
	if p.count >= p.cap {
		return 0, ErrPoolExhausted
	}
	slot := p.count
	p.from[slot] = from
	p.to[slot] = to
	p.label[slot] = label
	off := uint64(slot) * NEProps
	clear(p.props[off : off+NEProps])
	copy(p.props[off:off+NEProps], props)
	p.count++
	return slot, nil
}

// At returns the (from, to, label, props) stored at slot.
func (p *EdgePool) At(slot uint32) (from, to uint64, label uint16, props []byte) {
	off := uint64(slot) * NEProps
	return p.from[slot], p.to[slot], p.label[slot], p.props[off : off+NEProps]
}

// Count returns the number of live edge slots.
func (p *EdgePool) Count() uint32 { return p.count }

// Capacity returns the edge arena's fixed capacity.
func (p *EdgePool) Capacity() uint32 { return p.cap }

// EmbeddingPool is the optional, capacity-may-be-zero arena for node vectors
// (spec §3, §9 Open Question — resolved as disabled by default).
type EmbeddingPool struct {
	nodeIDs []uint64
	vectors []float32 // flat, capacity*EmbDim floats
	count   uint32
	cap     uint32
}

// NewEmbeddingPool allocates the embedding arena once, at capacity (may be 0).
func NewEmbeddingPool(capacity uint32) *EmbeddingPool {
	return &EmbeddingPool{
		nodeIDs: make([]uint64, capacity),
		vectors: make([]float32, uint64(capacity)*EmbDim),
		cap:     capacity,
	}
}

// Insert reserves an embedding slot for nodeID.
func (p *EmbeddingPool) Insert(nodeID uint64, vector []float32) (uint32, error) {
	if p.count >= p.cap {
		return 0, ErrPoolExhausted
	}
	slot := p.count
	p.nodeIDs[slot] = nodeID
	off := uint64(slot) * EmbDim
	copy(p.vectors[off:off+EmbDim], vector)
	p.count++
	return slot, nil
}

// Count returns the number of live embedding slots.
func (p *EmbeddingPool) Count() uint32 { return p.count }

// Capacity returns the embedding arena's fixed capacity.
func (p *EmbeddingPool) Capacity() uint32 { return p.cap }

// PoolStats is the memory-side half of Stats (spec §4.1 stats()).
type PoolStats struct {
	NodeCount         uint32
	NodeCapacity      uint32
	EdgeCount         uint32
	EdgeCapacity      uint32
	EmbeddingCount    uint32
	EmbeddingCapacity uint32
}
