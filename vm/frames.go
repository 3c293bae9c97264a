package vm

import verrors "github.com/osprey-lang/ovum/errors"

const (
	// callStackSlots is the total size of a thread's call stack, in
	// Value slots (1 MiB worth of values).
	callStackSlots = 1024 * 1024 / valueSize
	// callStackBuffer is the number of slots that stay available for
	// the runtime itself, so errors can be thrown even when the
	// managed stack is exhausted.
	callStackBuffer = 64
	// maxCallDepth bounds the number of simultaneous stack frames.
	maxCallDepth = 8192
)

// StackFrame is one method activation. Arguments, frame header, locals
// and evaluation stack are contiguous on the thread's value stack:
// arguments precede pointer, locals start at pointer, and the
// evaluation stack begins at evalBase.
type StackFrame struct {
	// stackCount is the current height of the evaluation stack.
	stackCount int
	// argc is the number of arguments passed, including the instance.
	argc int
	// pointer is the index of the frame's first local slot.
	pointer int
	// evalBase is the index of the frame's first evaluation slot.
	evalBase int
	// prevIP is the caller's saved instruction index.
	prevIP int
	// prevFrame is the caller's frame.
	prevFrame *StackFrame
	// method is the overload this frame activates; nil only for the
	// bottom pseudo-frame.
	method *MethodOverload
}

// Argc returns the number of arguments passed to the frame, including
// the instance; the ldargc instruction reads it.
func (f *StackFrame) Argc() int {
	return f.argc
}

// Method returns the overload the frame belongs to.
func (f *StackFrame) Method() *MethodOverload {
	return f.method
}

// push appends a value to the current frame's evaluation stack.
func (t *Thread) push(v Value) {
	f := t.currentFrame
	t.values[f.evalBase+f.stackCount] = v
	f.stackCount++
}

func (t *Thread) pop() Value {
	f := t.currentFrame
	f.stackCount--
	return t.values[f.evalBase+f.stackCount]
}

func (t *Thread) popN(n int) {
	t.currentFrame.stackCount -= n
}

// peek returns the value n slots below the top.
func (t *Thread) peek(n int) Value {
	f := t.currentFrame
	return t.values[f.evalBase+f.stackCount-n-1]
}

// stackTop returns the absolute index one past the top of the current
// evaluation stack.
func (t *Thread) stackTop() int {
	f := t.currentFrame
	return f.evalBase + f.stackCount
}

// shift removes the value offset slots below the top, sliding the
// values above it down.
func (t *Thread) shift(offset int) {
	f := t.currentFrame
	base := f.evalBase + f.stackCount - offset - 1
	copy(t.values[base:], t.values[base+1:f.evalBase+f.stackCount])
	f.stackCount--
}

// Exported stack surface, mirroring the embedding API of the original
// engine.

// Push pushes a value.
func (t *Thread) Push(v Value) { t.push(v) }

// PushNull pushes the null value.
func (t *Thread) PushNull() { t.push(NullValue) }

// PushBool pushes a Boolean value.
func (t *Thread) PushBool(v bool) { t.push(t.vm.NewBool(v)) }

// PushInt pushes an Int value.
func (t *Thread) PushInt(v int64) { t.push(t.vm.NewInt(v)) }

// PushUInt pushes a UInt value.
func (t *Thread) PushUInt(v uint64) { t.push(t.vm.NewUInt(v)) }

// PushReal pushes a Real value.
func (t *Thread) PushReal(v float64) { t.push(t.vm.NewReal(v)) }

// PushString pushes a String value.
func (t *Thread) PushString(s *String) { t.push(t.vm.NewString(s)) }

// Pop removes and returns the top of the evaluation stack.
func (t *Thread) Pop() Value { return t.pop() }

// PopN removes the top n values.
func (t *Thread) PopN(n int) { t.popN(n) }

// Peek returns the value n slots below the top without removing it.
func (t *Thread) Peek(n int) Value { return t.peek(n) }

// Dup pushes a copy of the top value.
func (t *Thread) Dup() { t.push(t.peek(0)) }

// StackHeight returns the current evaluation stack height.
func (t *Thread) StackHeight() int {
	return t.currentFrame.stackCount
}

// Local returns a pointer to local n of the current frame.
func (t *Thread) Local(n int) *Value {
	return &t.values[t.currentFrame.pointer+n]
}

// pushStackFrame builds the callee frame directly above the argument
// values. argCount includes the instance; the arguments live at
// argsIdx on the caller's evaluation stack and are popped from it.
// Missing optional parameters and all locals are nulled.
func (t *Thread) pushStackFrame(argCount, argsIdx int, method *MethodOverload) error {
	caller := t.currentFrame
	caller.stackCount -= argCount

	paramCount := method.EffectiveParamCount()
	pointer := argsIdx + paramCount
	evalBase := pointer + method.LocalCount

	if evalBase+method.MaxStack >= len(t.values)-callStackBuffer ||
		t.frameDepth+1 >= maxCallDepth {
		caller.stackCount += argCount
		return verrors.StackOverflow()
	}

	for i := argsIdx + argCount; i < pointer; i++ {
		t.values[i] = NullValue
	}
	for i := pointer; i < evalBase; i++ {
		t.values[i] = NullValue
	}

	t.frameDepth++
	frame := &t.frames[t.frameDepth]
	frame.stackCount = 0
	frame.argc = argCount
	frame.pointer = pointer
	frame.evalBase = evalBase
	frame.prevIP = t.ip
	frame.prevFrame = caller
	frame.method = method
	t.currentFrame = frame
	return nil
}

// popStackFrame restores the caller's frame and instruction pointer.
func (t *Thread) popStackFrame() {
	frame := t.currentFrame
	t.currentFrame = frame.prevFrame
	t.ip = frame.prevIP
	t.frameDepth--
}

// walkRoots visits every live slot of every frame: the argument area
// and the locals plus evaluation stack.
func (t *Thread) walkRoots(visit func(*Value)) {
	for frame := t.currentFrame; frame != nil; frame = frame.prevFrame {
		if frame.method != nil {
			paramCount := frame.method.EffectiveParamCount()
			for i := frame.pointer - paramCount; i < frame.pointer; i++ {
				visit(&t.values[i])
			}
			for i := frame.pointer; i < frame.evalBase+frame.stackCount; i++ {
				visit(&t.values[i])
			}
		} else {
			for i := frame.evalBase; i < frame.evalBase+frame.stackCount; i++ {
				visit(&t.values[i])
			}
		}
	}
}
