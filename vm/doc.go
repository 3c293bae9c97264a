// Package vm implements the Ovum virtual machine core: the tagged
// value model, the immutable UTF-16 string representation, the
// generational tracing garbage collector with string interning, the
// type/member model with accessibility and overload resolution, the
// method initialiser that rewrites on-disk bytecode into the internal
// instruction stream, and the stack-based evaluation engine with
// try/catch/finally/fault unwinding.
//
// The package is deliberately self-contained: module files are decoded
// by package ovm, and native extension libraries are resolved through
// the NativeLibrary contract implemented by package native.
//
// # Threading model
//
// A VM owns exactly one managed thread. The garbage collector runs at
// cooperative suspension points: before instruction dispatch, at
// method entry, and whenever an allocation exhausts gen0. Native code
// that blocks should bracket the blocking region with
// Thread.EnterUnmanagedRegion and Thread.LeaveUnmanagedRegion.
package vm
