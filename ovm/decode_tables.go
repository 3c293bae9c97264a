package ovm

import (
	"bytes"
	"unicode/utf16"

	verrors "github.com/osprey-lang/ovum/errors"
	"github.com/osprey-lang/ovum/ovm/internal/binary"
	"github.com/osprey-lang/ovum/vm"
)

type moduleMeta struct {
	name        *vm.String
	version     vm.ModuleVersion
	nativeLib   string
	typeCount   int32
	funcCount   int32
	constCount  int32
	fieldCount  int32
	methodCount int32
	methodStart uint32
}

type moduleReader struct {
	ld     *loader
	path   string
	r      *binary.Reader
	module *vm.Module
}

func newModuleReader(ld *loader, path string, data []byte) *moduleReader {
	return &moduleReader{ld: ld, path: path, r: binary.NewReader(data)}
}

func (mr *moduleReader) invalid(detail string) error {
	return verrors.ModuleLoad(mr.path, verrors.KindInvalidData, detail)
}

func (mr *moduleReader) truncated() error {
	return verrors.ModuleLoad(mr.path, verrors.KindInvalidData, "unexpected end of file")
}

func (mr *moduleReader) verifyMagicNumber() error {
	b, err := mr.r.ReadBytes(4)
	if err != nil || !bytes.Equal(b, magicNumber[:]) {
		return verrors.BadMagic(mr.path)
	}
	return nil
}

// internString places the code units in the gen1-pinned intern pool.
func (mr *moduleReader) internString(units []uint16) (*vm.String, error) {
	return mr.ld.vm.GC().ConstructModuleString(mr.ld.vm.MainThread(), units)
}

func (mr *moduleReader) readModuleMeta() (*moduleMeta, error) {
	meta := &moduleMeta{}

	units, err := mr.r.ReadString()
	if err != nil {
		return nil, mr.truncated()
	}
	if meta.name, err = mr.internString(units); err != nil {
		return nil, err
	}

	if meta.version, err = mr.readVersion(); err != nil {
		return nil, err
	}

	// The string map is consumed by the compiler only.
	end, _, err := mr.r.BeginCollection()
	if err != nil {
		return nil, mr.truncated()
	}
	if err := mr.r.Seek(end); err != nil {
		return nil, mr.truncated()
	}

	nativeLib, err := mr.r.ReadStringOrNull()
	if err != nil {
		return nil, mr.truncated()
	}
	if nativeLib != nil {
		meta.nativeLib = utf16ToGo(nativeLib)
	}

	ints := []*int32{
		&meta.typeCount, &meta.funcCount, &meta.constCount,
		&meta.fieldCount, &meta.methodCount,
	}
	for _, p := range ints {
		if *p, err = mr.r.ReadInt32(); err != nil {
			return nil, mr.truncated()
		}
	}

	methodStart, err := mr.r.ReadUint32()
	if err != nil {
		return nil, mr.truncated()
	}
	// The method block begins after its own size prefix.
	meta.methodStart = methodStart + 4

	return meta, nil
}

func (mr *moduleReader) readVersion() (vm.ModuleVersion, error) {
	var v vm.ModuleVersion
	fields := []*int32{&v.Major, &v.Minor, &v.Build, &v.Revision}
	for _, p := range fields {
		n, err := mr.r.ReadInt32()
		if err != nil {
			return v, mr.truncated()
		}
		*p = n
	}
	return v, nil
}

// checkCollection verifies that a framed collection's contents spanned
// exactly its declared byte size.
func (mr *moduleReader) checkCollection(end int, present bool, table string) error {
	if present && mr.r.Position() != end {
		return verrors.TableSizeMismatch(mr.path, table)
	}
	return nil
}

// expectToken reads a token and verifies the expected sequential ID.
func (mr *moduleReader) expectToken(kind vm.TokenID, index int, table string) error {
	token, err := mr.r.ReadToken()
	if err != nil {
		return mr.truncated()
	}
	if token != vm.MakeToken(kind, index) {
		return verrors.ModuleLoad(mr.path, verrors.KindInvalidData,
			"invalid "+table+" token ID")
	}
	return nil
}

func (mr *moduleReader) readStringTable() error {
	end, present, err := mr.r.BeginCollection()
	if err != nil {
		return mr.truncated()
	}
	if present {
		length, err := mr.r.ReadInt32()
		if err != nil {
			return mr.truncated()
		}
		for i := 0; i < int(length); i++ {
			if err := mr.expectToken(vm.TokenString, i, "String"); err != nil {
				return err
			}
			units, err := mr.r.ReadString()
			if err != nil {
				return mr.truncated()
			}
			s, err := mr.internString(units)
			if err != nil {
				return err
			}
			mr.module.Strings = append(mr.module.Strings, s)
		}
	}
	return mr.checkCollection(end, present, "String")
}

func (mr *moduleReader) resolveString(table string) (*vm.String, error) {
	token, err := mr.r.ReadToken()
	if err != nil {
		return nil, mr.truncated()
	}
	s := mr.module.FindString(token)
	if s == nil {
		return nil, verrors.UnresolvedToken(mr.path, token, table+" name string")
	}
	return s, nil
}

func (mr *moduleReader) readModuleRefs() error {
	end, present, err := mr.r.BeginCollection()
	if err != nil {
		return mr.truncated()
	}
	if present {
		length, err := mr.r.ReadInt32()
		if err != nil {
			return mr.truncated()
		}
		for i := 0; i < int(length); i++ {
			if err := mr.expectToken(vm.TokenModuleRef, i, "ModuleRef"); err != nil {
				return err
			}
			name, err := mr.resolveString("ModuleRef")
			if err != nil {
				return err
			}
			minVersion, err := mr.readVersion()
			if err != nil {
				return err
			}

			// Dependent modules open recursively here.
			ref, err := mr.ld.openByName(name)
			if err != nil {
				return err
			}
			if !ref.FullyOpened {
				return verrors.CircularDependency(mr.path, name.Go())
			}
			if ref.Version.Compare(minVersion) < 0 {
				return verrors.VersionMismatch(mr.path, name.Go())
			}
			mr.module.ModuleRefs = append(mr.module.ModuleRefs, ref)
		}
	}
	return mr.checkCollection(end, present, "ModuleRef")
}

func (mr *moduleReader) readTypeRefs() error {
	end, present, err := mr.r.BeginCollection()
	if err != nil {
		return mr.truncated()
	}
	if present {
		length, err := mr.r.ReadInt32()
		if err != nil {
			return mr.truncated()
		}
		for i := 0; i < int(length); i++ {
			if err := mr.expectToken(vm.TokenTypeRef, i, "TypeRef"); err != nil {
				return err
			}
			name, err := mr.resolveString("TypeRef")
			if err != nil {
				return err
			}
			modToken, err := mr.r.ReadToken()
			if err != nil {
				return mr.truncated()
			}
			owner := mr.module.FindModuleRef(modToken)
			if owner == nil {
				return verrors.UnresolvedToken(mr.path, modToken, "ModuleRef in TypeRef")
			}
			typ := owner.FindTypeByName(name, false)
			if typ == nil {
				return verrors.ModuleLoad(mr.path, verrors.KindUnresolvedToken,
					"unresolved TypeRef: "+name.Go())
			}
			mr.module.TypeRefs = append(mr.module.TypeRefs, typ)
		}
	}
	return mr.checkCollection(end, present, "TypeRef")
}

func (mr *moduleReader) readFunctionRefs() error {
	end, present, err := mr.r.BeginCollection()
	if err != nil {
		return mr.truncated()
	}
	if present {
		length, err := mr.r.ReadInt32()
		if err != nil {
			return mr.truncated()
		}
		for i := 0; i < int(length); i++ {
			if err := mr.expectToken(vm.TokenFunctionRef, i, "FunctionRef"); err != nil {
				return err
			}
			name, err := mr.resolveString("FunctionRef")
			if err != nil {
				return err
			}
			modToken, err := mr.r.ReadToken()
			if err != nil {
				return mr.truncated()
			}
			owner := mr.module.FindModuleRef(modToken)
			if owner == nil {
				return verrors.UnresolvedToken(mr.path, modToken, "ModuleRef in FunctionRef")
			}
			fn := owner.FindGlobalFunction(name, false)
			if fn == nil {
				return verrors.ModuleLoad(mr.path, verrors.KindUnresolvedToken,
					"unresolved FunctionRef: "+name.Go())
			}
			mr.module.FunctionRefs = append(mr.module.FunctionRefs, fn)
		}
	}
	return mr.checkCollection(end, present, "FunctionRef")
}

func (mr *moduleReader) readFieldRefs() error {
	end, present, err := mr.r.BeginCollection()
	if err != nil {
		return mr.truncated()
	}
	if present {
		length, err := mr.r.ReadInt32()
		if err != nil {
			return mr.truncated()
		}
		for i := 0; i < int(length); i++ {
			if err := mr.expectToken(vm.TokenFieldRef, i, "FieldRef"); err != nil {
				return err
			}
			name, err := mr.resolveString("FieldRef")
			if err != nil {
				return err
			}
			typ, err := mr.resolveRefType("FieldRef")
			if err != nil {
				return err
			}
			member := typ.GetMember(name)
			if member == nil {
				return verrors.ModuleLoad(mr.path, verrors.KindUnresolvedToken,
					"unresolved FieldRef: "+name.Go())
			}
			field, ok := member.(*vm.Field)
			if !ok {
				return mr.invalid("FieldRef does not refer to a field")
			}
			mr.module.FieldRefs = append(mr.module.FieldRefs, field)
		}
	}
	return mr.checkCollection(end, present, "FieldRef")
}

func (mr *moduleReader) readMethodRefs() error {
	end, present, err := mr.r.BeginCollection()
	if err != nil {
		return mr.truncated()
	}
	if present {
		length, err := mr.r.ReadInt32()
		if err != nil {
			return mr.truncated()
		}
		for i := 0; i < int(length); i++ {
			if err := mr.expectToken(vm.TokenMethodRef, i, "MethodRef"); err != nil {
				return err
			}
			name, err := mr.resolveString("MethodRef")
			if err != nil {
				return err
			}
			typ, err := mr.resolveRefType("MethodRef")
			if err != nil {
				return err
			}
			member := typ.GetMember(name)
			if member == nil {
				return verrors.ModuleLoad(mr.path, verrors.KindUnresolvedToken,
					"unresolved MethodRef: "+name.Go())
			}
			method, ok := member.(*vm.Method)
			if !ok {
				return mr.invalid("MethodRef does not refer to a method")
			}
			mr.module.MethodRefs = append(mr.module.MethodRefs, method)
		}
	}
	return mr.checkCollection(end, present, "MethodRef")
}

// resolveRefType reads a token that must be a TypeRef and resolves it.
func (mr *moduleReader) resolveRefType(table string) (*vm.Type, error) {
	token, err := mr.r.ReadToken()
	if err != nil {
		return nil, mr.truncated()
	}
	if token&vm.TokenKindMask != vm.TokenTypeRef {
		return nil, mr.invalid(table + " must contain a TypeRef")
	}
	typ := mr.module.FindType(token)
	if typ == nil {
		return nil, verrors.UnresolvedToken(mr.path, token, "TypeRef in "+table)
	}
	return typ, nil
}

func utf16ToGo(units []uint16) string {
	return string(utf16.Decode(units))
}
