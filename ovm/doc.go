// Package ovm reads and writes the Ovum module container format: the
// magic header, the string and reference tables, type, function and
// constant definitions, and the method block.
//
// The format is little-endian throughout. Strings are an int32 code
// unit count followed by UTF-16 code units; collections are framed by
// a uint32 byte size and an int32 item count, and the reader verifies
// that each table spans exactly its declared size. Cross-references
// are 32-bit tokens whose high byte selects the table and whose low 24
// bits are a one-based index.
//
// Open and OpenByName load modules into a vm.VM, resolving transitive
// dependencies recursively and detecting circular dependencies through
// the partially-opened sentinel. Builder and Asm produce module files
// and method bodies, primarily for tests and tooling.
package ovm
