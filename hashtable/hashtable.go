// Package hashtable is a sharded, bucket-locked hash table with a
// lock-free Get, grounded on the teacher's Hashtable_t
// (biscuit/src/hashtable/hashtable.go). It backs the FAT32 per-mount open
// dirent cache (spec §4.5: "File-table entries cache the resolved
// directory entry while a file is open").
package hashtable

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"unsafe"

	"simplix/ustr"
)

type elem struct {
	key     interface{}
	value   interface{}
	keyHash uint32
	next    *elem
}

type bucket struct {
	sync.RWMutex
	first *elem
}

func (b *bucket) elems() []Pair {
	b.RLock()
	defer b.RUnlock()
	var p []Pair
	for e := b.first; e != nil; e = e.next {
		p = append(p, Pair{Key: e.key, Value: e.value})
	}
	return p
}

// Hashtable is a fixed-bucket-count hash table mapping keys to values.
type Hashtable struct {
	table []*bucket
}

// New allocates a table with the given bucket count.
func New(size int) *Hashtable {
	ht := &Hashtable{table: make([]*bucket, size)}
	for i := range ht.table {
		ht.table[i] = &bucket{}
	}
	return ht
}

// Pair is a key/value tuple returned by Elems.
type Pair struct {
	Key   interface{}
	Value interface{}
}

// Elems returns every stored key/value pair.
func (ht *Hashtable) Elems() []Pair {
	var p []Pair
	for _, b := range ht.table {
		p = append(p, b.elems()...)
	}
	return p
}

func (ht *Hashtable) bucketFor(kh uint32) *bucket {
	return ht.table[int(kh%uint32(len(ht.table)))]
}

// Get looks up key without taking any lock (entries are only ever
// prepended, so a concurrent reader sees a consistent, if possibly stale,
// chain).
func (ht *Hashtable) Get(key interface{}) (interface{}, bool) {
	kh := khash(key)
	b := ht.bucketFor(kh)
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.keyHash == kh && equal(e.key, key) {
			return e.value, true
		}
	}
	return nil, false
}

// Set inserts key/value, returning false (and leaving the table
// unchanged) if key already exists.
func (ht *Hashtable) Set(key, value interface{}) bool {
	kh := khash(key)
	b := ht.bucketFor(kh)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && equal(e.key, key) {
			return false
		}
	}
	n := &elem{key: key, value: value, keyHash: kh, next: b.first}
	storeptr(&b.first, n)
	return true
}

// Del removes key, silently doing nothing if it is absent.
func (ht *Hashtable) Del(key interface{}) {
	kh := khash(key)
	b := ht.bucketFor(kh)
	b.Lock()
	defer b.Unlock()
	var last *elem
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && equal(e.key, key) {
			if last == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&last.next, e.next)
			}
			return
		}
		last = e
	}
}

func loadptr(e **elem) *elem {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	return (*elem)(atomic.LoadPointer(ptr))
}

func storeptr(p **elem, n *elem) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}

func hashUstr(s ustr.Ustr) uint32 {
	h := fnv.New32a()
	h.Write(s)
	return h.Sum32()
}

func khash(key interface{}) uint32 {
	return uint32(2654435761) * hash(key)
}

func hash(key interface{}) uint32 {
	switch x := key.(type) {
	case ustr.Ustr:
		return hashUstr(x)
	case string:
		h := fnv.New32a()
		h.Write([]byte(x))
		return h.Sum32()
	case int:
		return uint32(x)
	}
	panic(fmt.Errorf("hashtable: unsupported key type %T", key))
}

func equal(a, b interface{}) bool {
	switch x := a.(type) {
	case ustr.Ustr:
		return x.Eq(b.(ustr.Ustr))
	case string:
		return x == b.(string)
	case int:
		return x == b.(int)
	}
	panic(fmt.Errorf("hashtable: unsupported key type %T", a))
}
