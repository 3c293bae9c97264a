package vm

import (
	"math"
	"sync"

	"go.uber.org/zap"
)

const (
	// gen0Size is the size of the gen0 allocation budget, in bytes.
	gen0Size = 1536 * 1024
	// largeObjectSize is the threshold above which allocations go to
	// the large-object heap.
	largeObjectSize = 87040
	// gen1DeadObjectsThreshold is the amount of estimated dead gen1
	// bytes that triggers a full cycle.
	gen1DeadObjectsThreshold = 768 * 1024
)

// GC is the generational tracing collector. Gen0 is a fixed allocation
// budget collected on every cycle; survivors move to the growable gen1
// with a forwarding pointer left behind. Objects at or above the LOH
// threshold never move and never promote.
type GC struct {
	vm *VM

	// mu is the allocation critical section; it also guards the
	// intern table and the static reference chain.
	mu sync.Mutex

	gen0Used         uint64
	gen1Size         uint64
	gen1DeadEstimate uint64
	memoryPressure   uint64

	// collectList links every collectable object of all generations;
	// pinnedList links pinned gen0 survivors of the previous cycle.
	collectList *GCObject
	pinnedList  *GCObject

	// Cycle-local lists.
	processList  *GCObject
	keepList     *GCObject
	gen0Survivor *GCObject
	withGen0Refs []*GCObject

	white GCOFlags
	black GCOFlags

	strings    *stringTable
	staticRefs *staticRefBlock

	collectCount int
	log          *zap.Logger
}

func newGC(owner *VM) *GC {
	return &GC{
		vm:      owner,
		white:   1,
		black:   3,
		strings: newStringTable(),
		log:     owner.log,
	}
}

// CollectCount returns the number of completed cycles.
func (gc *GC) CollectCount() int {
	return gc.collectCount
}

// Gen0Used returns the number of accounted gen0 bytes in use.
func (gc *GC) Gen0Used() uint64 {
	return gc.gen0Used
}

// AddMemoryPressure hints that unmanaged memory is retained by managed
// objects. The hint only feeds the gen1 collection threshold.
func (gc *GC) AddMemoryPressure(size uint64) {
	gc.mu.Lock()
	gc.memoryPressure += size
	gc.mu.Unlock()
}

// RemoveMemoryPressure undoes AddMemoryPressure.
func (gc *GC) RemoveMemoryPressure(size uint64) {
	gc.mu.Lock()
	if size > gc.memoryPressure {
		size = gc.memoryPressure
	}
	gc.memoryPressure -= size
	gc.mu.Unlock()
}

// objectSize computes the accounted size of an instance of typ with
// the given extra native payload.
func objectSize(typ *Type, nativeSize uint64) (uint64, bool) {
	var fields uint64
	if typ != nil {
		fields = uint64(typ.FieldsOffset+typ.FieldCount) * valueSize
	}
	size := gcoSize + fields
	if nativeSize > math.MaxUint64-size {
		return 0, false
	}
	return size + nativeSize, true
}

// Alloc allocates a GC object for an instance of typ with nativeSize
// extra accounted bytes. The object is zeroed, coloured with the
// current white and linked into the collect list. On gen0 exhaustion a
// cycle runs and the allocation is retried once.
func (gc *GC) Alloc(t *Thread, typ *Type, nativeSize uint64) (*GCObject, error) {
	size, ok := objectSize(typ, nativeSize)
	if !ok {
		// The requested size is impossible; report before touching
		// the heap.
		return nil, t.ThrowMemoryError(nil)
	}

	t.beginAlloc()

	gco := gc.allocRaw(size)
	if gco == nil {
		gc.runCycle(t, true)
		gco = gc.allocRaw(size)
	}
	if gco == nil {
		// Release the allocation section before constructing the
		// managed MemoryError, which allocates.
		t.endAlloc()
		return nil, t.ThrowMemoryError(nil)
	}

	gco.typ = typ
	if typ != nil {
		n := typ.FieldsOffset + typ.FieldCount
		if n > 0 {
			gco.Fields = make([]Value, n)
		}
	}
	gco.insertInto(&gc.collectList)
	t.endAlloc()
	return gco, nil
}

// allocRaw reserves accounted space for one object, preferring the
// gen0 budget and falling back to the LOH for oversized requests.
// Returns nil when gen0 is exhausted.
func (gc *GC) allocRaw(size uint64) *GCObject {
	size = (size + 7) &^ 7
	if size >= largeObjectSize {
		return &GCObject{flags: gc.white | gcoLargeObject, size: size}
	}
	if gc.gen0Used+size <= gen0Size {
		gc.gen0Used += size
		return &GCObject{flags: gc.white | gcoGen0, size: size}
	}
	return nil
}

// allocRawGen1 reserves gen1 space; gen1 grows without bound and only
// the dead-byte estimate limits it.
func (gc *GC) allocRawGen1(size uint64) *GCObject {
	size = (size + 7) &^ 7
	gc.gen1Size += size
	return &GCObject{flags: gc.white | gcoGen1, size: size}
}

// AllocInstance allocates an instance of typ and wraps it in a Value.
func (gc *GC) AllocInstance(t *Thread, typ *Type) (Value, error) {
	gco, err := gc.Alloc(t, typ, 0)
	if err != nil {
		return NullValue, err
	}
	return Value{Type: typ, Obj: gco}, nil
}

// ConstructString allocates a managed string with the given code units
// (no terminator).
func (gc *GC) ConstructString(t *Thread, units []uint16) (*String, error) {
	size := uint64(len(units)+1) * 2
	gco, err := gc.Alloc(t, gc.vm.Types.String, size)
	if err != nil {
		return nil, err
	}
	str := newStringFromUnits(units)
	str.gco = gco
	gco.Str = str
	if gc.vm.Types.String == nil {
		gco.flags |= gcoEarlyString
	}
	return str, nil
}

// ConstructModuleString allocates a string directly in gen1, where the
// GC never moves it, and interns it. All module strings take this
// path.
func (gc *GC) ConstructModuleString(t *Thread, units []uint16) (*String, error) {
	str := newStringFromUnits(units)
	if in := gc.GetInterned(str); in != nil {
		return in, nil
	}

	t.beginAlloc()
	size, _ := objectSize(gc.vm.Types.String, uint64(len(units)+1)*2)
	gco := gc.allocRawGen1(size)
	gco.typ = gc.vm.Types.String
	if gc.vm.Types.String == nil {
		gco.flags |= gcoEarlyString
	}
	str.gco = gco
	gco.Str = str
	gco.insertInto(&gc.collectList)
	t.endAlloc()

	return gc.Intern(str), nil
}

// GetInterned returns the canonical interned string equal to s, or nil.
func (gc *GC) GetInterned(s *String) *String {
	gc.mu.Lock()
	in := gc.strings.get(s)
	gc.mu.Unlock()
	return in
}

// HasInterned reports whether an equal string is interned.
func (gc *GC) HasInterned(s *String) bool {
	return gc.GetInterned(s) != nil
}

// Intern adds s to the intern table, or returns the already-interned
// equal string.
func (gc *GC) Intern(s *String) *String {
	gc.mu.Lock()
	in := gc.strings.intern(s)
	gc.mu.Unlock()
	return in
}

// AddStaticReference allocates a new static reference cell holding
// value. Static references are roots and are never collected.
func (gc *GC) AddStaticReference(value Value) *StaticRef {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	block := gc.staticRefs
	if block == nil || block.count == staticRefBlockSize {
		block = &staticRefBlock{next: gc.staticRefs}
		gc.staticRefs = block
	}
	ref := &block.refs[block.count]
	block.count++
	ref.value = value
	return ref
}

// Collect runs a cycle. When full is set, gen1 and the LOH are swept
// as well.
func (gc *GC) Collect(t *Thread, full bool) {
	t.beginAlloc()
	gc.runCycle(t, full)
	t.endAlloc()
}

// runCycle runs one collection. The allocation section must be held.
func (gc *GC) runCycle(t *Thread, full bool) {
	full = full || gc.gen1DeadEstimate+gc.memoryPressure >= gen1DeadObjectsThreshold

	t.suspendForGC()
	defer t.resumeAfterGC()

	// Merge pinned survivors back in; everything is a candidate.
	for gco := gc.pinnedList; gco != nil; {
		next := gco.next
		gco.insertInto(&gc.collectList)
		gco = next
	}
	gc.pinnedList = nil
	gc.processList = nil
	gc.keepList = nil
	gc.gen0Survivor = nil
	gc.withGen0Refs = gc.withGen0Refs[:0]

	gc.markRootSet(t)

	for gc.processList != nil {
		gco := gc.processList
		gc.processObjectAndFields(gco)
	}

	gc.moveGen0Survivors()
	gc.updateRootSet(t)
	gc.updateGen0References()
	swept, freed := gc.sweep(full)

	// Survivors become the steady-state collect list.
	gc.collectList = gc.keepList
	gc.keepList = nil

	// Gen0 now holds only the pinned survivors.
	var pinnedBytes uint64
	for gco := gc.pinnedList; gco != nil; gco = gco.next {
		pinnedBytes += gco.size
	}
	gc.gen0Used = pinnedBytes

	// The next cycle's white is this cycle's black.
	gc.white, gc.black = gc.black, gc.white

	gc.collectCount++
	gc.log.Debug("gc cycle complete",
		zap.Bool("full", full),
		zap.Int("swept", swept),
		zap.Uint64("freedBytes", freed),
		zap.Uint64("gen0Used", gc.gen0Used),
		zap.Uint64("gen1Size", gc.gen1Size),
	)
}

// markRootSet visits every live call frame, every static reference
// block, every module string, and the current error.
func (gc *GC) markRootSet(t *Thread) {
	t.walkRoots(func(v *Value) {
		gc.markLocalValue(v)
	})

	for block := gc.staticRefs; block != nil; block = block.next {
		block.hasGen0Refs = false
		for i := 0; i < block.count; i++ {
			hasGen0 := false
			gc.markValue(block.refs[i].valuePointer(), &hasGen0)
			if hasGen0 {
				block.hasGen0Refs = true
			}
		}
	}

	for _, m := range gc.vm.modules() {
		for _, s := range m.Strings {
			gc.markString(s, nil)
		}
	}

	gc.markValue(&t.currentError, nil)
}

// markLocalValue marks a value that lives in a frame slot, with the
// special handling reference values need.
func (gc *GC) markLocalValue(v *Value) {
	if v.Ref != nil {
		if fr, ok := v.Ref.(*FieldRef); ok {
			gc.markObject(fr.Obj, nil)
		}
		return
	}
	gc.markValue(v, nil)
}

// markValue marks the object a value keeps alive, if any.
func (gc *GC) markValue(v *Value, hasGen0 *bool) {
	if v.Ref != nil {
		if fr, ok := v.Ref.(*FieldRef); ok {
			gc.markObject(fr.Obj, hasGen0)
		}
		return
	}
	if v.Type == nil || v.Type.Flags&TypePrimitive == TypePrimitive {
		return
	}
	if v.Str != nil {
		gc.markString(v.Str, hasGen0)
		return
	}
	if v.Obj != nil {
		gc.markObject(v.Obj, hasGen0)
	}
}

func (gc *GC) markString(s *String, hasGen0 *bool) {
	if s == nil || s.IsStatic() {
		return
	}
	gc.markObject(s.gco, hasGen0)
}

// markObject turns a white object gray and queues it for processing,
// or blackens it directly when it cannot contain references.
func (gc *GC) markObject(gco *GCObject, hasGen0 *bool) {
	if gco == nil {
		return
	}
	if hasGen0 != nil && gco.IsGen0() {
		*hasGen0 = true
	}
	if gco.color() != gc.white {
		return
	}
	if gco.Str != nil || gco.flags&gcoArray != 0 || (len(gco.Fields) == 0 && gco.Native == nil) {
		// Nothing inside to walk; keep it directly.
		gco.removeFrom(&gc.collectList)
		gco.setColor(gc.black)
		gc.addSurvivor(gco)
		return
	}
	gco.removeFrom(&gc.collectList)
	gco.setColor(gcoGray)
	gco.insertInto(&gc.processList)
}

// addSurvivor files a black object into the survivor list of its
// generation.
func (gc *GC) addSurvivor(gco *GCObject) {
	if gco.IsGen0() {
		gco.insertInto(&gc.gen0Survivor)
	} else {
		gco.insertInto(&gc.keepList)
	}
}

// processObjectAndFields blackens one gray object after marking
// everything it points to.
func (gc *GC) processObjectAndFields(gco *GCObject) {
	gco.removeFrom(&gc.processList)

	hasGen0 := false
	for i := range gco.Fields {
		gc.markValue(&gco.Fields[i], &hasGen0)
	}
	if gco.typ != nil && gco.Native != nil {
		if walker := gco.typ.referenceWalker(); walker != nil {
			walker(gco, func(v *Value) {
				gc.markValue(v, &hasGen0)
			})
		}
	}

	gco.setColor(gc.black)
	if hasGen0 {
		gco.flags |= gcoHasGen0Refs
		gc.withGen0Refs = append(gc.withGen0Refs, gco)
	}
	gc.addSurvivor(gco)
}

// moveGen0Survivors promotes unpinned gen0 survivors to gen1, leaving
// a forwarding pointer in the old header. Pinned survivors stay in
// gen0 on the pinned list.
func (gc *GC) moveGen0Survivors() {
	for gco := gc.gen0Survivor; gco != nil; {
		next := gco.next
		if gco.IsPinned() {
			gco.removeFrom(&gc.gen0Survivor)
			gco.insertInto(&gc.pinnedList)
		} else {
			gco.removeFrom(&gc.gen0Survivor)
			moved := gc.allocRawGen1(gco.size)
			moved.setColor(gc.black)
			moved.flags |= gco.flags & (gcoHasGen0Refs | gcoEarlyString)
			moved.hashCode = gco.hashCode
			moved.typ = gco.typ
			moved.Fields = gco.Fields
			moved.Str = gco.Str
			moved.Native = gco.Native

			if gco.Str != nil {
				gco.Str.gco = moved
			}

			gco.flags |= gcoMoved
			gco.newAddress = moved
			moved.insertInto(&gc.keepList)

			// The moved copy shares field storage with the
			// original, so pending gen0 fix-ups apply to both.
			if gco.hasGen0Refs() {
				gc.withGen0Refs = append(gc.withGen0Refs, moved)
			}
		}
		gco = next
	}
	gc.gen0Survivor = nil
}

// updateRootSet rewrites every root whose referent moved.
func (gc *GC) updateRootSet(t *Thread) {
	t.walkRoots(gc.updateValue)

	for block := gc.staticRefs; block != nil; block = block.next {
		if !block.hasGen0Refs {
			continue
		}
		for i := 0; i < block.count; i++ {
			gc.updateValue(block.refs[i].valuePointer())
		}
	}

	gc.updateValue(&t.currentError)
}

// updateGen0References rewrites the fields of every object that was
// found pointing into gen0.
func (gc *GC) updateGen0References() {
	for _, gco := range gc.withGen0Refs {
		for i := range gco.Fields {
			gc.updateValue(&gco.Fields[i])
		}
		if gco.typ != nil && gco.Native != nil {
			if walker := gco.typ.referenceWalker(); walker != nil {
				walker(gco, gc.updateValue)
			}
		}
		gco.flags &^= gcoHasGen0Refs
	}
	gc.withGen0Refs = gc.withGen0Refs[:0]
}

// updateValue replaces a value whose GC object has moved with its
// forwarded address. Reference values have their object pointer
// rewritten in place.
func (gc *GC) updateValue(v *Value) {
	if v.Ref != nil {
		if fr, ok := v.Ref.(*FieldRef); ok && fr.Obj.IsMoved() {
			fr.Obj = fr.Obj.newAddress
		}
		return
	}
	if v.Obj != nil && v.Obj.IsMoved() {
		v.Obj = v.Obj.newAddress
	}
	// Strings keep their identity across a move; only the header is
	// re-homed, so there is nothing to rewrite for v.Str.
}

// sweep frees everything left on the collect list. Gen1 and LOH
// objects survive non-full cycles with their dead bytes estimated
// instead.
func (gc *GC) sweep(full bool) (int, uint64) {
	swept := 0
	var freed uint64
	for gco := gc.collectList; gco != nil; {
		next := gco.next
		if !gco.IsGen0() && !full {
			// Not collecting the older generations this cycle;
			// pretend the object was kept so the colour swap keeps
			// it a candidate.
			gco.removeFrom(&gc.collectList)
			gco.setColor(gc.black)
			gco.insertInto(&gc.keepList)
			gc.gen1DeadEstimate += gco.size
		} else {
			gco.removeFrom(&gc.collectList)
			gc.finalize(gco)
			if gco.Str != nil && gco.Str.IsInterned() {
				gc.strings.remove(gco.Str)
			}
			if gco.IsGen1() {
				gc.gen1Size -= gco.size
			}
			freed += gco.size
			swept++
			gco.clearLinks()
		}
		gco = next
	}
	gc.collectList = nil
	if full {
		gc.gen1DeadEstimate = 0
	}
	return swept, freed
}

// finalize runs the finaliser chain of a dying object, most-derived
// type first. Resurrection is ignored; finalisers may not allocate
// managed memory.
func (gc *GC) finalize(gco *GCObject) {
	for typ := gco.typ; typ != nil; typ = typ.BaseType {
		if typ.Flags&TypeHasFinalizer != 0 && typ.Finalizer != nil {
			typ.Finalizer(gco)
		}
	}
}
