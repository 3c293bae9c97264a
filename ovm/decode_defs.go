package ovm

import (
	verrors "github.com/osprey-lang/ovum/errors"
	"github.com/osprey-lang/ovum/vm"
)

func (mr *moduleReader) readTypeDefs() error {
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
			if err := mr.expectToken(vm.TokenTypeDef, i, "TypeDef"); err != nil {
				return err
			}
			typ, err := mr.readSingleType(vm.MakeToken(vm.TokenTypeDef, i))
			if err != nil {
				return err
			}
			mr.module.Types = append(mr.module.Types, typ)
			if !mr.module.AddGlobalMember(typ.FullName, vm.ModuleMember{
				Kind:     vm.ModuleMemberType,
				Internal: typ.Flags&vm.TypeProtection == vm.TypePrivate,
				Type:     typ,
			}) {
				return verrors.ModuleLoad(mr.path, verrors.KindDuplicateName,
					"duplicate global member name: "+typ.FullName.Go())
			}
		}
	}
	return mr.checkCollection(end, present, "TypeDef")
}

func (mr *moduleReader) readSingleType(typeToken vm.TokenID) (*vm.Type, error) {
	flags, err := mr.r.ReadUint32()
	if err != nil {
		return nil, mr.truncated()
	}
	name, err := mr.resolveString("TypeDef")
	if err != nil {
		return nil, err
	}

	baseToken, err := mr.r.ReadToken()
	if err != nil {
		return nil, mr.truncated()
	}
	sharedToken, err := mr.r.ReadToken()
	if err != nil {
		return nil, mr.truncated()
	}

	var baseType *vm.Type
	if baseToken != 0 {
		if baseToken == typeToken {
			return nil, mr.invalid("a type cannot have itself as its base type")
		}
		if baseType = mr.module.FindType(baseToken); baseType == nil {
			return nil, verrors.UnresolvedToken(mr.path, baseToken, "base type")
		}
	}

	var sharedType *vm.Type
	if sharedToken != 0 {
		if sharedToken&vm.TokenKindMask != vm.TokenTypeDef {
			return nil, mr.invalid("a shared type must be a TypeDef")
		}
		if sharedToken == typeToken {
			return nil, mr.invalid("a type cannot have itself as its shared type")
		}
		if sharedType = mr.module.FindType(sharedToken); sharedType == nil {
			return nil, verrors.UnresolvedToken(mr.path, sharedToken, "shared type")
		}
	}

	// The member count is a capacity hint only.
	if _, err := mr.r.ReadInt32(); err != nil {
		return nil, mr.truncated()
	}

	typ := vm.NewType(mr.ld.vm, mr.module, name, vm.TypeFlags(flags))
	typ.SetBase(baseType)
	typ.SharedType = sharedType

	if err := mr.readFields(typ); err != nil {
		return nil, err
	}
	if err := mr.readMethods(typ); err != nil {
		return nil, err
	}
	if err := mr.readProperties(typ); err != nil {
		return nil, err
	}
	if err := mr.readOperators(typ); err != nil {
		return nil, err
	}

	initerName, err := mr.r.ReadCString()
	if err != nil {
		return nil, mr.truncated()
	}
	if initerName != "" {
		if mr.module.NativeLib == nil {
			return nil, verrors.MissingEntryPoint(mr.path, initerName)
		}
		sym, ok := mr.module.NativeLib.Symbol(initerName)
		if !ok {
			return nil, verrors.MissingEntryPoint(mr.path, initerName)
		}
		initer, ok := sym.(vm.TypeIniter)
		if !ok {
			return nil, verrors.MissingEntryPoint(mr.path, initerName)
		}
		initer(typ)
	}

	if err := mr.ld.vm.TryRegisterStandardType(typ, mr.module, mr.path); err != nil {
		return nil, err
	}
	return typ, nil
}

func (mr *moduleReader) readFields(typ *vm.Type) error {
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
			if err := mr.expectToken(vm.TokenFieldDef, len(mr.module.Fields), "FieldDef"); err != nil {
				return err
			}

			fieldFlags, err := mr.r.ReadInt32()
			if err != nil {
				return mr.truncated()
			}
			if fieldFlags&fieldHasValue != 0 && fieldFlags&fieldInstance != 0 {
				return mr.invalid("the field flags hasValue and instance cannot be used together")
			}

			var flags vm.MemberFlags
			switch {
			case fieldFlags&fieldPublic != 0:
				flags |= vm.MemberPublic
			case fieldFlags&fieldPrivate != 0:
				flags |= vm.MemberPrivate
			case fieldFlags&fieldProtected != 0:
				flags |= vm.MemberProtected
			}
			if fieldFlags&fieldInstance != 0 {
				flags |= vm.MemberInstance
			}

			name, err := mr.resolveString("FieldDef")
			if err != nil {
				return err
			}

			// Constant fields carry a token and a value payload the
			// runtime does not consume.
			if fieldFlags&fieldHasValue != 0 {
				if err := mr.r.Skip(4 + 8); err != nil {
					return mr.truncated()
				}
			}

			field := vm.NewField(name, typ, flags)
			if !typ.AddMember(field) {
				return verrors.ModuleLoad(mr.path, verrors.KindDuplicateName,
					"duplicate member name in type: "+name.Go())
			}
			mr.module.Fields = append(mr.module.Fields, field)

			if fieldFlags&fieldInstance != 0 {
				field.Offset = typ.FieldsOffset + typ.FieldCount
				typ.FieldCount++
			}
		}
	}
	return mr.checkCollection(end, present, "FieldDef")
}

func (mr *moduleReader) readMethods(typ *vm.Type) error {
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
			if err := mr.expectToken(vm.TokenMethodDef, len(mr.module.Methods), "MethodDef"); err != nil {
				return err
			}
			method, isCtor, err := mr.readSingleMethod()
			if err != nil {
				return err
			}
			if !typ.AddMember(method) {
				return verrors.ModuleLoad(mr.path, verrors.KindDuplicateName,
					"duplicate member name in type: "+method.Name().Go())
			}
			mr.module.Methods = append(mr.module.Methods, method)
			method.SetDeclType(typ)
			if isCtor && method.Flags()&vm.MemberInstance != 0 {
				typ.InstanceCtor = method
			}
		}
	}
	return mr.checkCollection(end, present, "MethodDef")
}

func (mr *moduleReader) readProperties(typ *vm.Type) error {
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
			name, err := mr.resolveString("PropertyDef")
			if err != nil {
				return err
			}
			getterToken, err := mr.r.ReadToken()
			if err != nil {
				return mr.truncated()
			}
			setterToken, err := mr.r.ReadToken()
			if err != nil {
				return mr.truncated()
			}

			const sharedMask = vm.MemberImpl | vm.MemberKind

			var flags vm.MemberFlags
			var getter, setter *vm.Method
			if getterToken != 0 {
				if getter, err = mr.resolveAccessor(getterToken, typ, "getter"); err != nil {
					return err
				}
				flags = getter.Flags() &^ sharedMask
			}
			if setterToken != 0 {
				if setter, err = mr.resolveAccessor(setterToken, typ, "setter"); err != nil {
					return err
				}
				setterFlags := setter.Flags() &^ sharedMask
				if flags != 0 && setterFlags != flags {
					return verrors.ModuleLoad(mr.path, verrors.KindInconsistentDecl,
						"property getter and setter must have the same accessibility, and matching abstract, virtual, sealed and instance flags")
				}
				flags = setterFlags
			}

			if getter == nil && setter == nil {
				return mr.invalid("property must have at least one accessor")
			}

			prop := vm.NewProperty(name, typ, flags)
			prop.Getter = getter
			prop.Setter = setter

			if !typ.AddMember(prop) {
				return verrors.ModuleLoad(mr.path, verrors.KindDuplicateName,
					"duplicate member name in type: "+name.Go())
			}
		}
	}
	return mr.checkCollection(end, present, "PropertyDef")
}

func (mr *moduleReader) resolveAccessor(token vm.TokenID, typ *vm.Type, which string) (*vm.Method, error) {
	if token&vm.TokenKindMask != vm.TokenMethodDef {
		return nil, mr.invalid("property " + which + " must be a MethodDef")
	}
	method := mr.module.FindMethod(token)
	if method == nil {
		return nil, verrors.UnresolvedToken(mr.path, token, "property "+which)
	}
	if method.DeclType() != typ {
		return nil, verrors.ModuleLoad(mr.path, verrors.KindInconsistentDecl,
			"property "+which+" must refer to a method in the same type as the property")
	}
	return method, nil
}

func (mr *moduleReader) readOperators(typ *vm.Type) error {
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
			opByte, err := mr.r.ReadUint8()
			if err != nil {
				return mr.truncated()
			}
			if int(opByte) >= vm.OperatorCount {
				return mr.invalid("invalid operator index")
			}
			op := vm.Operator(opByte)

			methodToken, err := mr.r.ReadToken()
			if err != nil {
				return mr.truncated()
			}
			if methodToken&vm.TokenKindMask != vm.TokenMethodDef {
				return mr.invalid("operator method must be a MethodDef")
			}
			method := mr.module.FindMethod(methodToken)
			if method == nil {
				return verrors.UnresolvedToken(mr.path, methodToken, "operator method")
			}
			if method.DeclType() != typ {
				return verrors.ModuleLoad(mr.path, verrors.KindInconsistentDecl,
					"operator method must be in the same type as the operator")
			}
			if typ.Operators[op] != nil {
				return verrors.ModuleLoad(mr.path, verrors.KindDuplicateName,
					"duplicate operator declaration")
			}
			overload := method.ResolveOverload(op.Arity())
			if overload == nil {
				return verrors.ModuleLoad(mr.path, verrors.KindInconsistentDecl,
					"operator method has no overload of the operator's arity")
			}
			typ.Operators[op] = overload
		}
	}
	return mr.checkCollection(end, present, "OperatorDef")
}

func (mr *moduleReader) readFunctionDefs() error {
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
			if err := mr.expectToken(vm.TokenFunctionDef, i, "FunctionDef"); err != nil {
				return err
			}
			function, _, err := mr.readSingleMethod()
			if err != nil {
				return err
			}
			function.SetDeclType(nil)

			if !mr.module.AddGlobalMember(function.Name(), vm.ModuleMember{
				Kind:     vm.ModuleMemberFunction,
				Internal: function.Flags()&vm.MemberAccessLevel == vm.MemberPrivate,
				Function: function,
			}) {
				return verrors.ModuleLoad(mr.path, verrors.KindDuplicateName,
					"duplicate global member name: "+function.Name().Go())
			}
			mr.module.Functions = append(mr.module.Functions, function)
		}
	}
	return mr.checkCollection(end, present, "FunctionDef")
}

func (mr *moduleReader) readConstantDefs() error {
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
			if err := mr.expectToken(vm.TokenConstantDef, i, "ConstantDef"); err != nil {
				return err
			}
			constFlags, err := mr.r.ReadUint32()
			if err != nil {
				return mr.truncated()
			}
			name, err := mr.resolveString("ConstantDef")
			if err != nil {
				return err
			}
			typeToken, err := mr.r.ReadToken()
			if err != nil {
				return mr.truncated()
			}
			typ := mr.module.FindType(typeToken)
			if typ == nil {
				return verrors.UnresolvedToken(mr.path, typeToken, "ConstantDef type")
			}

			stringType := mr.ld.vm.Types.String
			if typ != stringType && !typ.IsPrimitive() {
				return mr.invalid("ConstantDef type must be primitive or aves.String")
			}

			value, err := mr.r.ReadInt64()
			if err != nil {
				return mr.truncated()
			}

			var constant vm.Value
			if typ == stringType && stringType != nil {
				str := mr.module.FindString(vm.TokenID(value))
				if str == nil {
					return verrors.UnresolvedToken(mr.path, vm.TokenID(value), "ConstantDef string")
				}
				constant = mr.ld.vm.NewString(str)
			} else {
				constant = vm.Value{Type: typ, Bits: uint64(value)}
			}

			mr.module.Constants = append(mr.module.Constants, constant)
			if !mr.module.AddGlobalMember(name, vm.ModuleMember{
				Kind:     vm.ModuleMemberConstant,
				Internal: constFlags&constantPrivate != 0,
				Constant: constant,
			}) {
				return verrors.ModuleLoad(mr.path, verrors.KindDuplicateName,
					"duplicate global member name: "+name.Go())
			}
		}
	}
	return mr.checkCollection(end, present, "ConstantDef")
}

// readSingleMethod reads a MethodDef or FunctionDef with its overload
// table. The second result reports whether the declaration carries the
// constructor flag.
func (mr *moduleReader) readSingleMethod() (*vm.Method, bool, error) {
	methodFlags, err := mr.r.ReadUint32()
	if err != nil {
		return nil, false, mr.truncated()
	}
	name, err := mr.resolveString("MethodDef")
	if err != nil {
		return nil, false, err
	}

	end, present, err := mr.r.BeginCollection()
	if err != nil {
		return nil, false, mr.truncated()
	}
	if !present {
		return nil, false, mr.invalid("method found without overloads")
	}
	overloadCount, err := mr.r.ReadInt32()
	if err != nil {
		return nil, false, mr.truncated()
	}
	if overloadCount == 0 {
		return nil, false, mr.invalid("method found without overloads")
	}

	var memberFlags vm.MemberFlags
	switch {
	case methodFlags&methodPublic != 0:
		memberFlags |= vm.MemberPublic
	case methodFlags&methodPrivate != 0:
		memberFlags |= vm.MemberPrivate
	case methodFlags&methodProtected != 0:
		memberFlags |= vm.MemberProtected
	}
	if methodFlags&methodInstance != 0 {
		memberFlags |= vm.MemberInstance
	}
	if methodFlags&methodImpl != 0 {
		memberFlags |= vm.MemberImpl
	}

	method := vm.NewMethod(name, mr.module, memberFlags)

	for i := 0; i < int(overloadCount); i++ {
		overload, err := mr.readSingleOverload(methodFlags)
		if err != nil {
			return nil, false, err
		}
		method.AddOverload(overload)
	}

	if err := mr.checkCollection(end, present, "overloads"); err != nil {
		return nil, false, err
	}
	return method, methodFlags&methodCtor != 0, nil
}

func (mr *moduleReader) readSingleOverload(methodFlags uint32) (*vm.MethodOverload, error) {
	flags, err := mr.r.ReadUint32()
	if err != nil {
		return nil, mr.truncated()
	}

	overload := &vm.MethodOverload{}

	paramCount, err := mr.r.ReadUint16()
	if err != nil {
		return nil, mr.truncated()
	}
	overload.ParamCount = int(paramCount)
	overload.ParamNames = make([]*vm.String, paramCount)
	for i := 0; i < int(paramCount); i++ {
		token, err := mr.r.ReadToken()
		if err != nil {
			return nil, mr.truncated()
		}
		if token&paramRefFlag != 0 && i < 32 {
			overload.RefSignature |= 1 << uint(i)
		}
		token &^= paramRefFlag
		if token != 0 {
			if overload.ParamNames[i] = mr.module.FindString(token); overload.ParamNames[i] == nil {
				return nil, verrors.UnresolvedToken(mr.path, token, "parameter name")
			}
		}
	}

	if methodFlags&methodCtor != 0 {
		overload.Flags |= vm.MethodCtor
	}
	if methodFlags&methodInstance != 0 {
		overload.Flags |= vm.MethodInstance
	}
	if flags&overloadVarEnd != 0 {
		overload.Flags |= vm.MethodVarEnd
	}
	if flags&overloadVarStart != 0 {
		overload.Flags |= vm.MethodVarStart
	}
	if flags&overloadVirtual != 0 {
		overload.Flags |= vm.MethodVirtual
	}
	if flags&overloadAbstract != 0 {
		overload.Flags |= vm.MethodAbstract
	}

	if flags&overloadShortHeader != 0 {
		overload.OptionalParamCount = 0
		overload.LocalCount = 0
		overload.MaxStack = shortHeaderMaxStack
	} else {
		opt, err := mr.r.ReadUint16()
		if err != nil {
			return nil, mr.truncated()
		}
		locals, err := mr.r.ReadUint16()
		if err != nil {
			return nil, mr.truncated()
		}
		maxStack, err := mr.r.ReadUint16()
		if err != nil {
			return nil, mr.truncated()
		}
		overload.OptionalParamCount = int(opt)
		overload.LocalCount = int(locals)
		overload.MaxStack = int(maxStack)
		if err := mr.readTryBlocks(overload); err != nil {
			return nil, err
		}
	}

	if flags&overloadAbstract == 0 {
		if flags&overloadNative != 0 {
			entryName, err := mr.r.ReadCString()
			if err != nil {
				return nil, mr.truncated()
			}
			if mr.module.NativeLib == nil {
				return nil, verrors.MissingEntryPoint(mr.path, entryName)
			}
			sym, ok := mr.module.NativeLib.Symbol(entryName)
			if !ok {
				return nil, verrors.MissingEntryPoint(mr.path, entryName)
			}
			entry, ok := sym.(vm.NativeMethod)
			if !ok {
				return nil, verrors.MissingEntryPoint(mr.path, entryName)
			}
			overload.NativeEntry = entry
			overload.Flags |= vm.MethodNative
		} else {
			offset, err := mr.r.ReadUint32()
			if err != nil {
				return nil, mr.truncated()
			}
			length, err := mr.r.ReadUint32()
			if err != nil {
				return nil, mr.truncated()
			}

			resume := mr.r.Position()
			if err := mr.r.Seek(int(mr.module.MethodStart + offset)); err != nil {
				return nil, mr.truncated()
			}
			body, err := mr.r.ReadBytes(int(length))
			if err != nil {
				return nil, mr.truncated()
			}
			overload.Bytecode = append([]byte(nil), body...)
			if err := mr.r.Seek(resume); err != nil {
				return nil, mr.truncated()
			}
		}
	}

	return overload, nil
}

func (mr *moduleReader) readTryBlocks(overload *vm.MethodOverload) error {
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
			kindByte, err := mr.r.ReadUint8()
			if err != nil {
				return mr.truncated()
			}
			tryStart, err := mr.r.ReadUint32()
			if err != nil {
				return mr.truncated()
			}
			tryEnd, err := mr.r.ReadUint32()
			if err != nil {
				return mr.truncated()
			}

			tb := &vm.TryBlock{
				Kind:     vm.TryKind(kindByte),
				TryStart: int(tryStart),
				TryEnd:   int(tryEnd),
			}

			switch tb.Kind {
			case vm.TryFinally, vm.TryFault:
				handlerStart, err := mr.r.ReadUint32()
				if err != nil {
					return mr.truncated()
				}
				handlerEnd, err := mr.r.ReadUint32()
				if err != nil {
					return mr.truncated()
				}
				tb.HandlerStart = int(handlerStart)
				tb.HandlerEnd = int(handlerEnd)

			case vm.TryCatch:
				catchEnd, catchPresent, err := mr.r.BeginCollection()
				if err != nil {
					return mr.truncated()
				}
				if catchPresent {
					catchCount, err := mr.r.ReadInt32()
					if err != nil {
						return mr.truncated()
					}
					for c := 0; c < int(catchCount); c++ {
						caughtToken, err := mr.r.ReadToken()
						if err != nil {
							return mr.truncated()
						}
						start, err := mr.r.ReadUint32()
						if err != nil {
							return mr.truncated()
						}
						catchBlockEnd, err := mr.r.ReadUint32()
						if err != nil {
							return mr.truncated()
						}
						cb := vm.CatchBlock{
							CaughtTypeToken: caughtToken,
							Start:           int(start),
							End:             int(catchBlockEnd),
						}
						// Resolve eagerly when possible; the method
						// initialiser retries otherwise.
						cb.CaughtType = mr.module.FindType(caughtToken)
						tb.Catches = append(tb.Catches, cb)
					}
				}
				if err := mr.checkCollection(catchEnd, catchPresent, "catches"); err != nil {
					return err
				}

			default:
				return mr.invalid("invalid try block kind")
			}

			overload.TryBlocks = append(overload.TryBlocks, tb)
		}
	}
	return mr.checkCollection(end, present, "tries")
}
