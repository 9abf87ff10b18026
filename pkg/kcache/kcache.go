// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kcache implements the cache of compiled kernels.
//
// Kernels are stored under a composite key: the device, the context, the subproblem
// dimensions used to generate them and a family specific kernels.Extra. The cache has a byte
// budget and evicts the least recently used kernels when an insertion would exceed it.
//
// Entries are reference counted: Find and Insert return a *Node holding one reference, which the
// caller must give back with Release. An entry evicted while still referenced is only removed
// from future lookups, and its kernel is released with the last reference.
//
// All the operations are safe for concurrent use. No device call is made while the cache lock is
// held.
package kcache

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpublas/pkg/core/kernels"
	"github.com/gomlx/gpublas/pkg/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Unlimited can be used as the size limit of a cache that never evicts.
const Unlimited int64 = -1

// NodeOverhead is the fixed number of bytes accounted for each cached kernel, on top of its
// binary sizes (and source, if retained).
const NodeOverhead = 512

// DefaultEvictionLookAhead is the default multiple of an incoming kernel's size freed when an
// eviction is needed, see Cache.WithEvictionLookAhead.
const DefaultEvictionLookAhead = 2.0

// ErrTooLarge is returned (wrapped) by Insert when the kernel alone exceeds the cache size limit.
var ErrTooLarge = errors.New("kernel larger than the cache size limit")

// hashPrime is the Mersenne prime 2^61-1.
const hashPrime = (1 << 61) - 1

// Key identifies a kernel together with the family and the Extra.
type Key struct {
	Device  device.Device
	Context device.Context

	// Dims used to generate the kernel, at most kernels.MaxSubdims levels.
	Dims []kernels.SubproblemDim
}

// String implements fmt.Stringer.
func (k Key) String() string {
	var devID, ctxID string
	if k.Device != nil {
		devID = k.Device.ID()
	}
	if k.Context != nil {
		ctxID = k.Context.ID()
	}
	return fmt.Sprintf("dev=%s ctx=%s dims=%s", devID, ctxID, kernels.DimsString(k.Dims))
}

// nodeKey is the immutable copy of a Key stored in a node.
type nodeKey struct {
	dev   device.Device
	ctx   device.Context
	nDims int
	dims  [kernels.MaxSubdims]kernels.SubproblemDim
}

func (k *nodeKey) matches(key Key) bool {
	if k.dev != key.Device || k.ctx != key.Context || k.nDims != len(key.Dims) {
		return false
	}
	for ii, d := range key.Dims {
		if k.dims[ii] != d {
			return false
		}
	}
	return true
}

// hashDims folds the dimension fields with a 5-bit rotate and xor, then multiplies by a large
// prime. A plain shift-or loses the earlier fields once a negative (Unused) field sets every bit.
// It only routes lookups to buckets: the full key is always compared.
func hashDims(dims []kernels.SubproblemDim) uint64 {
	var h uint64
	for _, d := range dims {
		for _, v := range [...]int{d.X, d.Y, d.BWidth, d.ItemX, d.ItemY} {
			h = (h << 5) | (h >> 59)
			h ^= uint64(int64(v))
		}
	}
	return h * hashPrime
}

// Node is a cache entry. It owns one compiled kernel.
type Node struct {
	cache  *Cache
	kernel device.Kernel
	size   int64
	family kernels.Family
	key    nodeKey
	extra  kernels.Extra
	hash   uint64

	// ctxRetained is set if the node holds a reference to key.ctx.
	ctxRetained bool

	// Fields below are protected by cache.mu.
	refs      int
	inCache   bool
	destroyed bool

	bucketPrev, bucketNext *Node
	lruPrev, lruNext       *Node
}

// Kernel returns the compiled kernel held by the node.
func (n *Node) Kernel() device.Kernel { return n.kernel }

// Size in bytes accounted for the node.
func (n *Node) Size() int64 { return n.size }

// Family of the kernel.
func (n *Node) Family() kernels.Family { return n.family }

// Extra attached to the kernel.
func (n *Node) Extra() kernels.Extra { return n.extra }

// Refs returns the current number of outstanding references.
func (n *Node) Refs() int {
	n.cache.mu.Lock()
	defer n.cache.mu.Unlock()
	return n.refs
}

// InCache returns whether the node is still linked in the cache, that is, can be found.
func (n *Node) InCache() bool {
	n.cache.mu.Lock()
	defer n.cache.mu.Unlock()
	return n.inCache
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	extra := "no extra"
	if n.extra != nil {
		extra = n.extra.String()
	}
	return fmt.Sprintf("%s kernel %q (%s, %s)", n.family, n.kernel.Name(), extra, humanize.IBytes(uint64(n.size)))
}

// Stats of a Cache.
type Stats struct {
	Hits, Misses int64
	Inserts      int64
	Evictions    int64

	// Entries currently linked in the cache, and their accounted Bytes.
	Entries int
	Bytes   int64

	// Limit is the configured size limit, or Unlimited.
	Limit int64
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	limit := "unlimited"
	if s.Limit != Unlimited {
		limit = humanize.IBytes(uint64(s.Limit))
	}
	return fmt.Sprintf("%d entries, %s of %s; %d hits, %d misses, %d inserts, %d evictions",
		s.Entries, humanize.IBytes(uint64(s.Bytes)), limit, s.Hits, s.Misses, s.Inserts, s.Evictions)
}

// Cache of compiled kernels. Create it with New.
type Cache struct {
	mu sync.Mutex

	// buckets per family, chained through Node.bucketNext.
	buckets []map[uint64]*Node

	// lru is the sentinel of the circular LRU list: lru.lruNext is the most recently used.
	lru Node

	sizeLimit    int64
	totalSize    int64
	lookAhead    float64
	retainSource bool
	destroyed    bool

	stats Stats
}

// New creates a cache for kernels of numFamilies families, with the given byte budget, or
// Unlimited.
func New(numFamilies int, sizeLimit int64) *Cache {
	if numFamilies <= 0 {
		exceptions.Panicf("kcache.New: invalid number of families %d", numFamilies)
	}
	if sizeLimit < 0 {
		sizeLimit = Unlimited
	}
	c := &Cache{
		buckets:   make([]map[uint64]*Node, numFamilies),
		sizeLimit: sizeLimit,
		lookAhead: DefaultEvictionLookAhead,
	}
	for ii := range c.buckets {
		c.buckets[ii] = make(map[uint64]*Node)
	}
	c.lru.lruNext = &c.lru
	c.lru.lruPrev = &c.lru
	return c
}

// WithEvictionLookAhead sets the multiple of an incoming kernel's size that is freed when an
// insertion needs evictions. Values > 1 evict more than strictly needed, to amortize evictions
// over the following insertions. It is bounded below by 1.
func (c *Cache) WithEvictionLookAhead(lookAhead float64) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookAhead = max(1, lookAhead)
	return c
}

// WithRetainSource sets whether the source text of cached kernels is accounted in their size,
// as it is for runtimes that keep it alive with the program.
func (c *Cache) WithRetainSource(retain bool) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retainSource = retain
	return c
}

// SizeLimit returns the configured byte budget, or Unlimited.
func (c *Cache) SizeLimit() int64 { return c.sizeLimit }

// Stats returns a snapshot of the cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Bytes = c.totalSize
	s.Limit = c.sizeLimit
	return s
}

// checkFamily panics if family is out of the configured range.
func (c *Cache) checkFamily(family kernels.Family) {
	if family < 0 || int(family) >= len(c.buckets) {
		exceptions.Panicf("kcache: family %s out of range [0, %d)", family, len(c.buckets))
	}
}

// Find looks up a kernel. On a hit it returns the node with one more reference, which must be
// given back with Release, and the node becomes the most recently used.
//
// It panics if family is out of the configured range.
func (c *Cache) Find(family kernels.Family, key Key, extra kernels.Extra) (*Node, bool) {
	c.checkFamily(family)
	if len(key.Dims) > kernels.MaxSubdims {
		return nil, false
	}
	hash := hashDims(key.Dims)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, false
	}
	for n := c.buckets[family][hash]; n != nil; n = n.bucketNext {
		if !n.key.matches(key) {
			continue
		}
		if (n.extra == nil) != (extra == nil) || (extra != nil && !extra.Equal(n.extra)) {
			continue
		}
		n.refs++
		c.lruUnlink(n)
		c.lruPushFront(n)
		c.stats.Hits++
		return n, true
	}
	c.stats.Misses++
	return nil, false
}

// kernelSize is the accounted footprint of a kernel.
func kernelSize(kernel device.Kernel, retainSource bool) int64 {
	size := int64(NodeOverhead)
	program := kernel.Program()
	for _, s := range program.BinarySizes() {
		size += int64(s)
	}
	if retainSource {
		size += int64(len(program.Source()))
	}
	return size
}

func (c *Cache) isRetainingSource() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retainSource
}

// Insert adds the kernel to the cache, evicting least recently used entries if the byte budget
// requires it. On success the cache owns the kernel, and the returned node holds one reference
// for the caller. The context of the key is retained until the kernel is destroyed.
//
// It fails if family is out of the configured range, if the dimensions count exceeds
// kernels.MaxSubdims, if the cache was destroyed, or with ErrTooLarge if the kernel alone exceeds
// the size limit. On failure the kernel is still owned by the caller.
func (c *Cache) Insert(family kernels.Family, kernel device.Kernel, key Key, extra kernels.Extra) (*Node, error) {
	if family < 0 || int(family) >= len(c.buckets) {
		return nil, errors.Errorf("kcache.Insert: family %s out of range [0, %d)", family, len(c.buckets))
	}
	if kernel == nil {
		return nil, errors.New("kcache.Insert: nil kernel")
	}
	if len(key.Dims) > kernels.MaxSubdims {
		return nil, errors.Errorf("kcache.Insert: %d subproblem dimensions, at most %d supported", len(key.Dims), kernels.MaxSubdims)
	}
	n := &Node{
		cache:  c,
		kernel: kernel,
		family: family,
		extra:  extra,
		hash:   hashDims(key.Dims),
		refs:   1,
	}
	n.key = nodeKey{dev: key.Device, ctx: key.Context, nDims: len(key.Dims)}
	copy(n.key.dims[:], key.Dims)
	n.size = kernelSize(kernel, c.isRetainingSource())

	if key.Context != nil {
		key.Context.Retain()
		n.ctxRetained = true
	}

	var evicted []*Node
	var inserted, destroyed bool
	func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.destroyed {
			destroyed = true
			return
		}
		if c.sizeLimit != Unlimited && n.size > c.sizeLimit {
			return
		}
		evicted = c.lockedEvictFor(n.size)
		c.lockedLink(n)
		c.stats.Inserts++
		inserted = true
	}()
	c.destroyNodes(evicted)
	if !inserted {
		if n.ctxRetained {
			if err := key.Context.Release(); err != nil {
				klog.Warningf("kcache: failed to release context %s: %+v", key.Context.ID(), err)
			}
		}
		if destroyed {
			return nil, errors.New("kcache.Insert: cache already destroyed")
		}
		return nil, errors.Wrapf(ErrTooLarge, "kcache.Insert of %q (%s > limit %s)",
			kernel.Name(), humanize.IBytes(uint64(n.size)), humanize.IBytes(uint64(c.sizeLimit)))
	}
	klog.V(1).Infof("kcache: inserted %s, %d evicted", n, len(evicted))
	return n, nil
}

// Detached wraps a kernel in a node that is never linked in the cache, for kernels that cannot be
// cached. The node holds one reference and the kernel is released with the last Release.
// The context is not retained.
func (c *Cache) Detached(family kernels.Family, kernel device.Kernel, extra kernels.Extra) *Node {
	n := &Node{cache: c, kernel: kernel, family: family, extra: extra, refs: 1}
	n.size = kernelSize(kernel, c.isRetainingSource())
	return n
}

// lockedEvictFor unlinks least recently used nodes until size bytes fit in the budget, freeing
// lookAhead times size if possible. It returns the unlinked nodes that must be destroyed, once the
// lock is released.
func (c *Cache) lockedEvictFor(size int64) (toDestroy []*Node) {
	if c.sizeLimit == Unlimited || c.totalSize+size <= c.sizeLimit {
		return nil
	}
	headroom := min(c.sizeLimit, max(size, int64(float64(size)*c.lookAhead)))
	for c.sizeLimit-c.totalSize < headroom && c.lru.lruPrev != &c.lru {
		victim := c.lru.lruPrev
		c.lockedUnlink(victim)
		c.stats.Evictions++
		klog.V(1).Infof("kcache: evicted %s (refs=%d)", victim, victim.refs)
		if victim.refs == 0 {
			victim.destroyed = true
			toDestroy = append(toDestroy, victim)
		}
	}
	return
}

func (c *Cache) lruUnlink(n *Node) {
	n.lruPrev.lruNext = n.lruNext
	n.lruNext.lruPrev = n.lruPrev
	n.lruPrev, n.lruNext = nil, nil
}

func (c *Cache) lruPushFront(n *Node) {
	n.lruNext = c.lru.lruNext
	n.lruPrev = &c.lru
	c.lru.lruNext.lruPrev = n
	c.lru.lruNext = n
}

func (c *Cache) lockedLink(n *Node) {
	bucket := c.buckets[n.family]
	if head := bucket[n.hash]; head != nil {
		head.bucketPrev = n
		n.bucketNext = head
	}
	bucket[n.hash] = n
	c.lruPushFront(n)
	c.totalSize += n.size
	c.stats.Entries++
	n.inCache = true
}

func (c *Cache) lockedUnlink(n *Node) {
	bucket := c.buckets[n.family]
	if n.bucketPrev != nil {
		n.bucketPrev.bucketNext = n.bucketNext
	} else if n.bucketNext != nil {
		bucket[n.hash] = n.bucketNext
	} else {
		delete(bucket, n.hash)
	}
	if n.bucketNext != nil {
		n.bucketNext.bucketPrev = n.bucketPrev
	}
	n.bucketPrev, n.bucketNext = nil, nil
	c.lruUnlink(n)
	c.totalSize -= n.size
	c.stats.Entries--
	n.inCache = false
}

// Retain adds a reference to a node. It returns false if the node was already destroyed.
func (c *Cache) Retain(n *Node) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n.destroyed {
		return false
	}
	n.refs++
	return true
}

// Release gives back a reference obtained with Find, Insert, Retain or Detached. The kernel is
// destroyed when the last reference is released and the node is no longer in the cache.
//
// Releasing a node with no outstanding references panics.
func (c *Cache) Release(n *Node) {
	c.mu.Lock()
	if n.refs <= 0 {
		c.mu.Unlock()
		exceptions.Panicf("kcache.Release: %s has no outstanding references", n)
	}
	n.refs--
	destroy := n.refs == 0 && !n.inCache && !n.destroyed
	if destroy {
		n.destroyed = true
	}
	c.mu.Unlock()
	if destroy {
		c.destroyNodes([]*Node{n})
	}
}

// Flush evicts every entry. Referenced entries are destroyed on their last Release.
func (c *Cache) Flush() {
	c.mu.Lock()
	var toDestroy []*Node
	for c.lru.lruNext != &c.lru {
		n := c.lru.lruNext
		c.lockedUnlink(n)
		if n.refs == 0 {
			n.destroyed = true
			toDestroy = append(toDestroy, n)
		}
	}
	c.mu.Unlock()
	c.destroyNodes(toDestroy)
}

// Destroy releases every cached kernel, regardless of outstanding references, and disables the
// cache: later lookups miss and insertions fail. Releasing outstanding nodes afterward is a no-op
// on their kernels.
func (c *Cache) Destroy() {
	c.mu.Lock()
	var toDestroy []*Node
	for c.lru.lruNext != &c.lru {
		n := c.lru.lruNext
		c.lockedUnlink(n)
		if !n.destroyed {
			n.destroyed = true
			toDestroy = append(toDestroy, n)
		}
	}
	c.destroyed = true
	c.mu.Unlock()
	if len(toDestroy) > 0 {
		klog.V(1).Infof("kcache: destroyed, releasing %d kernels", len(toDestroy))
	}
	c.destroyNodes(toDestroy)
}

// destroyNodes releases the kernels of the nodes and the context references they hold.
// It must be called without holding the lock.
func (c *Cache) destroyNodes(nodes []*Node) {
	for _, n := range nodes {
		if err := n.kernel.Release(); err != nil {
			klog.Warningf("kcache: failed to release %s: %+v", n, err)
		}
		if n.ctxRetained {
			if err := n.key.ctx.Release(); err != nil {
				klog.Warningf("kcache: failed to release context of %s: %+v", n, err)
			}
		}
	}
}

// Dump returns a description of the cached entries, most recently used first.
func (c *Cache) Dump() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	for n := c.lru.lruNext; n != &c.lru; n = n.lruNext {
		fmt.Fprintf(&sb, "%s refs=%d\n", n, n.refs)
	}
	return sb.String()
}
