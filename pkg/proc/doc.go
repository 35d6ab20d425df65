// Package proc reconstructs the call stack of a stopped MIPS thread.
//
// proc implements:
// * loading of MIPS ELF images, their symbols and their .pdr section
// * lookup of the procedure descriptor describing the frame of a pc
// * a chain of frame unwinders, with the mdebug unwinder driven by
//   procedure descriptors
// * stack traces built by walking the chain innermost frame first
package proc
