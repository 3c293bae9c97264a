package vm

import "sync"

// GCOFlags carries the collection state of a GC object.
type GCOFlags uint32

const (
	// gcoColor extracts the colour. The values for white and black
	// are swapped each cycle, starting out at 1 = white and 3 =
	// black, so that completed cycles never need to walk black
	// objects to whiten them. The gray mark is invariant.
	gcoColor GCOFlags = 0x0003
	gcoGray  GCOFlags = 0x0002

	// gcoEarlyString marks a string allocated before the standard
	// String type was loaded.
	gcoEarlyString GCOFlags = 0x0004

	// gcoPinned marks an object the GC may not move. Only relevant
	// for gen0 objects.
	gcoPinned GCOFlags = 0x0008

	gcoGen0        GCOFlags = 0x0010
	gcoGen1        GCOFlags = 0x0020
	gcoLargeObject GCOFlags = 0x0040
	// gcoGeneration extracts the generation.
	gcoGeneration GCOFlags = 0x0070

	// gcoHasGen0Refs marks an object holding references to gen0
	// objects. Only set during a cycle; cleared once all gen0
	// references have been updated.
	gcoHasGen0Refs GCOFlags = 0x0080

	// gcoMoved marks an object that has been moved to generation 1;
	// newAddress holds the forwarding pointer and no other field may
	// be read.
	gcoMoved GCOFlags = 0x0100

	// gcoArray marks a GC-managed array of unmanaged data; the GC
	// does not look inside it.
	gcoArray GCOFlags = 0x0200
)

// gcoSize is the accounted size of a GC object header, in bytes.
const gcoSize = 64

// valueSize is the accounted size of one Value, in bytes.
const valueSize = 16

// GCObject is the header preceding every heap-allocated managed value.
// In this implementation the "header" owns the field storage directly:
// Fields holds the instance fields of the whole inheritance chain, Str
// is set for string allocations and Native holds the custom
// representation of types with a reference walker.
type GCObject struct {
	flags    GCOFlags
	size     uint64
	pinCount uint32
	hashCode uint32

	prev *GCObject
	next *GCObject

	// mu is held while a thread reads or writes a field of this
	// instance; a Value cannot be copied atomically.
	mu sync.Mutex

	typ        *Type
	newAddress *GCObject

	Fields []Value
	Str    *String
	Native any
}

// Type returns the managed type of the object. It must not be called
// on a moved object.
func (g *GCObject) Type() *Type {
	return g.typ
}

// Size returns the accounted size of the object including its header.
func (g *GCObject) Size() uint64 {
	return g.size
}

// NewAddress returns the forwarding pointer of a moved object.
func (g *GCObject) NewAddress() *GCObject {
	return g.newAddress
}

func (g *GCObject) color() GCOFlags {
	return g.flags & gcoColor
}

func (g *GCObject) setColor(color GCOFlags) {
	g.flags = g.flags&^gcoColor | color
}

// IsPinned reports whether the object may not be moved.
func (g *GCObject) IsPinned() bool {
	return g.flags&gcoPinned != 0
}

// IsMoved reports whether the object has been moved to gen1.
func (g *GCObject) IsMoved() bool {
	return g.flags&gcoMoved != 0
}

// IsEarlyString reports whether the object is a pre-String-type string.
func (g *GCObject) IsEarlyString() bool {
	return g.flags&gcoEarlyString != 0
}

func (g *GCObject) hasGen0Refs() bool {
	return g.flags&gcoHasGen0Refs != 0
}

// Generation returns the generation flag of the object.
func (g *GCObject) Generation() GCOFlags {
	return g.flags & gcoGeneration
}

// IsGen0 reports whether the object lives in generation 0.
func (g *GCObject) IsGen0() bool {
	return g.flags&gcoGen0 != 0
}

// IsGen1 reports whether the object lives in generation 1.
func (g *GCObject) IsGen1() bool {
	return g.flags&gcoGen1 != 0
}

// IsLargeObject reports whether the object lives on the large-object
// heap.
func (g *GCObject) IsLargeObject() bool {
	return g.flags&gcoLargeObject != 0
}

// Pin prevents the GC from moving the object. Pins nest.
func (g *GCObject) Pin() {
	g.pinCount++
	g.flags |= gcoPinned
}

// Unpin undoes one Pin.
func (g *GCObject) Unpin() {
	g.pinCount--
	if g.pinCount == 0 {
		g.flags &^= gcoPinned
	}
}

// InstanceValue wraps the object in a Value tagged with its type.
func (g *GCObject) InstanceValue() Value {
	if g.Str != nil {
		return Value{Type: g.typ, Str: g.Str}
	}
	return Value{Type: g.typ, Obj: g}
}

// insertInto inserts the object at the head of a linked list. It does
// not remove the object from its previous list; call removeFrom first
// unless the object is known to be unlinked.
func (g *GCObject) insertInto(list **GCObject) {
	g.prev = nil
	g.next = *list
	if *list != nil {
		(*list).prev = g
	}
	*list = g
}

// removeFrom unlinks the object from the given list. The links are not
// cleared; insertInto overwrites them.
func (g *GCObject) removeFrom(list **GCObject) {
	prev, next := g.prev, g.next
	if g == *list {
		*list = next
	}
	if prev != nil {
		prev.next = next
	}
	if next != nil {
		next.prev = prev
	}
}

func (g *GCObject) clearLinks() {
	g.prev = nil
	g.next = nil
}

// LockFields acquires the per-object field lock.
func (g *GCObject) LockFields() {
	g.mu.Lock()
}

// UnlockFields releases the per-object field lock.
func (g *GCObject) UnlockFields() {
	g.mu.Unlock()
}
