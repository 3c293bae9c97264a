package vm

import (
	"errors"
	"testing"

	verrors "github.com/osprey-lang/ovum/errors"
)

func makeBytecodeOverload(name string, params, locals, maxStack int, body []byte) *MethodOverload {
	m := NewMethod(NewStaticString(name), nil, MemberPublic)
	o := &MethodOverload{
		ParamCount: params,
		LocalCount: locals,
		MaxStack:   maxStack,
		Bytecode:   body,
	}
	m.AddOverload(o)
	return o
}

func le32(v int32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func initErrKind(t *testing.T, err error) verrors.Kind {
	t.Helper()
	var e *verrors.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected a method init error, got %v", err)
	}
	if e.Phase != verrors.PhaseMethodInit {
		t.Fatalf("unexpected phase %s", e.Phase)
	}
	return e.Kind
}

func TestInitializeSimpleBody(t *testing.T) {
	v := newBareVM()
	o := makeBytecodeOverload("f", 0, 0, 8, []byte{
		byte(OpcLdcI5),
		byte(OpcRet),
	})

	if err := v.MainThread().InitializeMethod(o); err != nil {
		t.Fatal(err)
	}
	if !o.IsInitialized() {
		t.Fatal("INITED flag not set")
	}
	if o.Bytecode != nil {
		t.Error("on-disk bytecode should be released")
	}
	if len(o.Code) != 2 {
		t.Fatalf("code length = %d, want 2", len(o.Code))
	}
	first := o.Code[0]
	if first.op != opLoadInt || first.i64 != 5 || !first.outOnStack {
		t.Errorf("unexpected first instruction: %+v", first)
	}
	if o.Code[1].op != opRet {
		t.Errorf("unexpected second instruction: %+v", o.Code[1])
	}
}

func TestStoreLocalFusion(t *testing.T) {
	v := newBareVM()
	o := makeBytecodeOverload("f", 0, 1, 8, []byte{
		byte(OpcLdcI3),
		byte(OpcStloc0),
		byte(OpcLdloc0),
		byte(OpcRet),
	})

	if err := v.MainThread().InitializeMethod(o); err != nil {
		t.Fatal(err)
	}
	// The store collapses into the constant load's output.
	if len(o.Code) != 3 {
		t.Fatalf("code length = %d, want 3", len(o.Code))
	}
	load := o.Code[0]
	if load.op != opLoadInt || load.outOnStack || load.out != 0 {
		t.Errorf("constant load not redirected to the local: %+v", load)
	}
}

func TestPopFusionDiscardsResult(t *testing.T) {
	v := newBareVM()
	o := makeBytecodeOverload("f", 0, 0, 8, []byte{
		byte(OpcLdcI1),
		byte(OpcPop),
		byte(OpcRetnull),
	})

	if err := v.MainThread().InitializeMethod(o); err != nil {
		t.Fatal(err)
	}
	if len(o.Code) != 2 {
		t.Fatalf("code length = %d, want 2", len(o.Code))
	}
	if o.Code[0].op != opLoadInt || o.Code[0].outOnStack {
		t.Errorf("result not discarded off the stack: %+v", o.Code[0])
	}
}

func TestLoadLocalInputFusion(t *testing.T) {
	v := newBareVM()
	// ldloc.0; brfalse end; ldc.i.1; ret; end: retnull
	body := cat(
		[]byte{byte(OpcLdloc0)},
		[]byte{byte(OpcBrfalse)}, le32(2), // over ldc.i.1 + ret
		[]byte{byte(OpcLdcI1)},
		[]byte{byte(OpcRet)},
		[]byte{byte(OpcRetnull)},
	)
	o := makeBytecodeOverload("f", 0, 1, 8, body)

	if err := v.MainThread().InitializeMethod(o); err != nil {
		t.Fatal(err)
	}
	// The load collapses into the branch's input.
	if len(o.Code) != 4 {
		t.Fatalf("code length = %d, want 4", len(o.Code))
	}
	br := o.Code[0]
	if br.op != opBrFalse || br.inOnStack || br.in != 0 {
		t.Errorf("branch does not read the local directly: %+v", br)
	}
	if int(br.target) != 3 {
		t.Errorf("branch target = %d, want 3", br.target)
	}
}

func TestComparisonBranchFusion(t *testing.T) {
	v := newBareVM()
	// ldloc.0; ldloc.1; lt; brtrue less; ldc.i.0; ret; less: ldc.i.1; ret
	body := cat(
		[]byte{byte(OpcLdloc0), byte(OpcLdloc1), byte(OpcLt)},
		[]byte{byte(OpcBrtrue)}, le32(2),
		[]byte{byte(OpcLdcI0), byte(OpcRet)},
		[]byte{byte(OpcLdcI1), byte(OpcRet)},
	)
	o := makeBytecodeOverload("f", 0, 2, 8, body)

	if err := v.MainThread().InitializeMethod(o); err != nil {
		t.Fatal(err)
	}

	var fused *instr
	for i := range o.Code {
		if o.Code[i].op == opBrLt {
			fused = &o.Code[i]
			break
		}
	}
	if fused == nil {
		t.Fatalf("lt+brtrue not fused; code: %+v", o.Code)
	}
	for i := range o.Code {
		if o.Code[i].op == opLess || o.Code[i].op == opBrTrue {
			t.Error("original comparison or branch not removed")
		}
	}
	target := o.Code[fused.target]
	if target.op != opLoadInt || target.i64 != 1 {
		t.Errorf("fused branch target wrong: %+v", target)
	}
}

func TestUnreachableCodeRemoved(t *testing.T) {
	v := newBareVM()
	o := makeBytecodeOverload("f", 0, 0, 8, []byte{
		byte(OpcLdcI1),
		byte(OpcRet),
		byte(OpcLdcI2),
		byte(OpcRet),
	})

	if err := v.MainThread().InitializeMethod(o); err != nil {
		t.Fatal(err)
	}
	if len(o.Code) != 2 {
		t.Errorf("unreachable instructions kept: %d", len(o.Code))
	}
}

func TestInconsistentStackHeight(t *testing.T) {
	v := newBareVM()
	// ldtrue; brtrue join; ldc.i.1; join: ret
	// The join is reached with heights 0 and 1.
	body := cat(
		[]byte{byte(OpcLdtrue)},
		[]byte{byte(OpcBrtrue)}, le32(1),
		[]byte{byte(OpcLdcI1)},
		[]byte{byte(OpcRet)},
	)
	o := makeBytecodeOverload("f", 0, 0, 8, body)

	err := v.MainThread().InitializeMethod(o)
	if err == nil {
		t.Fatal("expected inconsistent stack error")
	}
	if kind := initErrKind(t, err); kind != verrors.KindInconsistentStack {
		t.Errorf("kind = %s", kind)
	}
}

func TestInsufficientStack(t *testing.T) {
	v := newBareVM()
	o := makeBytecodeOverload("f", 0, 0, 8, []byte{
		byte(OpcPop),
		byte(OpcRetnull),
	})

	err := v.MainThread().InitializeMethod(o)
	if err == nil {
		t.Fatal("expected insufficient stack error")
	}
	if kind := initErrKind(t, err); kind != verrors.KindInsufficientStack {
		t.Errorf("kind = %s", kind)
	}
}

func TestInvalidBranchOffset(t *testing.T) {
	v := newBareVM()
	// The branch lands in the middle of the ldc.i.s operand.
	body := cat(
		[]byte{byte(OpcBr)}, le32(1),
		[]byte{byte(OpcLdcIS), 5},
		[]byte{byte(OpcRet)},
	)
	o := makeBytecodeOverload("f", 0, 0, 8, body)

	err := v.MainThread().InitializeMethod(o)
	if err == nil {
		t.Fatal("expected invalid branch error")
	}
	if kind := initErrKind(t, err); kind != verrors.KindInvalidBranch {
		t.Errorf("kind = %s", kind)
	}
}

func TestRetRequiresExactlyOneValue(t *testing.T) {
	v := newBareVM()
	o := makeBytecodeOverload("f", 0, 0, 8, []byte{
		byte(OpcLdcI1),
		byte(OpcLdcI2),
		byte(OpcRet),
	})

	err := v.MainThread().InitializeMethod(o)
	if err == nil {
		t.Fatal("expected stack-balance error")
	}
	if kind := initErrKind(t, err); kind != verrors.KindInconsistentStack {
		t.Errorf("kind = %s", kind)
	}
}

func TestSwitchRelocation(t *testing.T) {
	v := newBareVM()
	// ldloc.0; switch [a, b]; retnull; a: retnull; b: retnull
	body := cat(
		[]byte{byte(OpcLdloc0)},
		[]byte{byte(OpcSwitch), 2, 0}, le32(1), le32(2),
		[]byte{byte(OpcRetnull)},
		[]byte{byte(OpcRetnull)},
		[]byte{byte(OpcRetnull)},
	)
	o := makeBytecodeOverload("f", 0, 1, 8, body)

	if err := v.MainThread().InitializeMethod(o); err != nil {
		t.Fatal(err)
	}

	var sw *instr
	for i := range o.Code {
		if o.Code[i].op == opSwitch {
			sw = &o.Code[i]
			break
		}
	}
	if sw == nil {
		t.Fatal("switch not found")
	}
	if len(sw.targets) != 2 || sw.targets[0] != sw.targets[1]-1 {
		t.Errorf("switch targets = %v", sw.targets)
	}
}

func TestTryBlockOffsetsBecomeIndices(t *testing.T) {
	v := newBareVM()
	// try { ldc.i.1; pop; leave } (1+1+5 bytes) finally { endfinally } then retnull
	body := []byte{
		byte(OpcLdcI1),             // offset 0
		byte(OpcPop),               // offset 1
		byte(OpcLeave), 1, 0, 0, 0, // offset 2, to retnull
		byte(OpcEndfinally), // offset 7
		byte(OpcRetnull),    // offset 8
	}
	o := makeBytecodeOverload("f", 0, 0, 8, body)
	o.TryBlocks = []*TryBlock{{
		Kind:         TryFinally,
		TryStart:     0,
		TryEnd:       7,
		HandlerStart: 7,
		HandlerEnd:   8,
	}}

	if err := v.MainThread().InitializeMethod(o); err != nil {
		t.Fatal(err)
	}

	tb := o.TryBlocks[0]
	// After init (and the ldc/pop fusion) offsets are instruction
	// indices.
	if tb.TryStart != 0 {
		t.Errorf("TryStart = %d", tb.TryStart)
	}
	if tb.HandlerStart >= len(o.Code) || o.Code[tb.HandlerStart].op != opEndFinally {
		t.Errorf("HandlerStart = %d does not point at endfinally", tb.HandlerStart)
	}
}
