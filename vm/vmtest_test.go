package vm

// Test fixtures for the white-box tests: a VM with just enough of the
// standard-type table for values, strings and the GC to work. The
// full standard-library bootstrap used by the evaluation tests lives
// in the external test package.

func newBareVM() *VM {
	v := New(Options{})

	object := NewType(v, nil, NewStaticString("aves.Object"), TypePublic)
	v.Types.Object = object

	prim := func(name string) *Type {
		t := NewType(v, nil, NewStaticString(name), TypePublic|TypePrimitive)
		t.SetBase(object)
		return t
	}
	v.Types.Boolean = prim("aves.Boolean")
	v.Types.Int = prim("aves.Int")
	v.Types.UInt = prim("aves.UInt")
	v.Types.Real = prim("aves.Real")

	str := NewType(v, nil, NewStaticString("aves.String"), TypePublic)
	str.SetBase(object)
	v.Types.String = str

	return v
}

// newFieldType declares a non-primitive type with the given number of
// instance fields.
func newFieldType(v *VM, name string, fieldCount int) *Type {
	t := NewType(v, nil, NewStaticString(name), TypePublic)
	t.SetBase(v.Types.Object)
	for i := 0; i < fieldCount; i++ {
		f := NewField(NewStaticString(name+".f"+string(rune('0'+i))), t, MemberPublic|MemberInstance)
		f.Offset = t.FieldsOffset + t.FieldCount
		t.FieldCount++
		t.AddMember(f)
	}
	return t
}
