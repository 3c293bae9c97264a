// Package native implements the native extension library contract the
// module loader consumes: an in-process registry of Go-implemented
// symbols, and WebAssembly-backed libraries whose exports are adapted
// into native method entry points through wazero.
package native
