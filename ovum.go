// Package ovum is the root of the Ovum virtual machine: a runtime for
// the compiled module format of a statically typed, object-oriented
// language. See package vm for the execution engine, package ovm for
// the module container format, and package native for the native
// extension library contract.
package ovum

// Version is the version of the runtime.
const Version = "0.1.0"
