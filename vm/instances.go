package vm

// Native representations of the standard types the core manipulates
// directly. The aves module's registered initialisers create and
// configure them; the core only reads and writes through these shapes.

// ListInst is the underlying representation of an aves.List.
type ListInst struct {
	Values []Value
	Length int
}

// Capacity returns the current capacity of the list.
func (l *ListInst) Capacity() int {
	return cap(l.Values)
}

// HashEntry is one key/value pair of an aves.Hash.
type HashEntry struct {
	Key   Value
	Value Value
}

// HashInst is the underlying representation of an aves.Hash.
type HashInst struct {
	Entries []HashEntry
}

// Count returns the number of entries.
func (h *HashInst) Count() int {
	return len(h.Entries)
}

// MethodInst is the underlying representation of an aves.Method: a
// method group optionally bound to an instance.
type MethodInst struct {
	Method   *Method
	Instance Value
}

// ErrorInst is the underlying representation of an aves.Error. The
// core writes the stack trace directly when an error is thrown.
type ErrorInst struct {
	Message    Value
	StackTrace Value
}

// AsErrorInst extracts the error representation of a value, or nil.
func AsErrorInst(v Value) *ErrorInst {
	if v.Obj == nil {
		return nil
	}
	ei, _ := v.Obj.Native.(*ErrorInst)
	return ei
}

// WalkErrorRefs is the reference walker for aves.Error instances.
func WalkErrorRefs(obj *GCObject, visit func(*Value)) {
	if ei, ok := obj.Native.(*ErrorInst); ok {
		visit(&ei.Message)
		visit(&ei.StackTrace)
	}
}

// AsList extracts the list representation of a value, or nil.
func AsList(v Value) *ListInst {
	if v.Obj == nil {
		return nil
	}
	list, _ := v.Obj.Native.(*ListInst)
	return list
}

// AsHash extracts the hash representation of a value, or nil.
func AsHash(v Value) *HashInst {
	if v.Obj == nil {
		return nil
	}
	hash, _ := v.Obj.Native.(*HashInst)
	return hash
}

// AsMethodInst extracts the bound-method representation of a value, or
// nil.
func AsMethodInst(v Value) *MethodInst {
	if v.Obj == nil {
		return nil
	}
	mi, _ := v.Obj.Native.(*MethodInst)
	return mi
}

// WalkListRefs is the reference walker for aves.List instances.
func WalkListRefs(obj *GCObject, visit func(*Value)) {
	if list, ok := obj.Native.(*ListInst); ok {
		for i := 0; i < list.Length; i++ {
			visit(&list.Values[i])
		}
	}
}

// WalkHashRefs is the reference walker for aves.Hash instances.
func WalkHashRefs(obj *GCObject, visit func(*Value)) {
	if hash, ok := obj.Native.(*HashInst); ok {
		for i := range hash.Entries {
			visit(&hash.Entries[i].Key)
			visit(&hash.Entries[i].Value)
		}
	}
}

// WalkMethodRefs is the reference walker for aves.Method instances.
func WalkMethodRefs(obj *GCObject, visit func(*Value)) {
	if mi, ok := obj.Native.(*MethodInst); ok {
		visit(&mi.Instance)
	}
}
