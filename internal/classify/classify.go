// Package classify decides whether a faulting machine instruction reads or
// writes the memory it touches. The answer is advisory: a wrong guess costs at
// most one extra fault.
package classify

import (
	"golang.org/x/arch/x86/x86asm"
)

type Op uint8

const (
	Unknown Op = iota
	Load
	Store
	// BlockCopy is a string move whose side (source or destination) is not known yet.
	BlockCopy
	BlockCopySrc
	BlockCopyDst
)

func (o Op) String() string {
	switch o {
	case Load:
		return "load"
	case Store:
		return "store"
	case BlockCopy:
		return "block-copy"
	case BlockCopySrc:
		return "block-copy-src"
	case BlockCopyDst:
		return "block-copy-dst"
	default:
		return "unknown"
	}
}

// IsStore reports whether a freshly filled page should be made writable for o.
func (o Op) IsStore() bool {
	return o == Store || o == BlockCopyDst
}

// IsLoad reports whether o is known to only read memory.
func (o Op) IsLoad() bool {
	return o == Load || o == BlockCopySrc
}

// MaxInstructionLen is the longest x86 encoding.
const MaxInstructionLen = 15

// role describes what an instruction does with its memory operand,
// independent of the operand's position.
type role uint8

const (
	roleByPosition role = iota
	roleLoad
	roleStore
	roleBlockCopy
)

// Instructions whose memory operand role cannot be derived from the operand
// position (Intel order: the first argument is the destination).
var roles = map[x86asm.Op]role{
	x86asm.CMP:         roleLoad,
	x86asm.TEST:        roleLoad,
	x86asm.BT:          roleLoad,
	x86asm.PUSH:        roleLoad,
	x86asm.UCOMISS:     roleLoad,
	x86asm.UCOMISD:     roleLoad,
	x86asm.COMISS:      roleLoad,
	x86asm.COMISD:      roleLoad,
	x86asm.PREFETCHT0:  roleLoad,
	x86asm.PREFETCHT1:  roleLoad,
	x86asm.PREFETCHT2:  roleLoad,
	x86asm.PREFETCHNTA: roleLoad,
	x86asm.FLD:         roleLoad,
	x86asm.FILD:        roleLoad,
	x86asm.LODSB:       roleLoad,
	x86asm.LODSW:       roleLoad,
	x86asm.LODSD:       roleLoad,
	x86asm.LODSQ:       roleLoad,
	x86asm.CMPSB:       roleLoad,
	x86asm.CMPSW:       roleLoad,
	x86asm.CMPSD:       roleLoad,
	x86asm.CMPSQ:       roleLoad,
	x86asm.SCASB:       roleLoad,
	x86asm.SCASW:       roleLoad,
	x86asm.SCASD:       roleLoad,
	x86asm.SCASQ:       roleLoad,
	x86asm.POP:         roleStore,
	x86asm.STOSB:       roleStore,
	x86asm.STOSW:       roleStore,
	x86asm.STOSD:       roleStore,
	x86asm.STOSQ:       roleStore,
	x86asm.MOVSB:       roleBlockCopy,
	x86asm.MOVSW:       roleBlockCopy,
	x86asm.MOVSD:       roleBlockCopy,
	x86asm.MOVSQ:       roleBlockCopy,
}

// ClassifyAccess decodes the instruction at the start of code in 64-bit mode.
func ClassifyAccess(code []byte) Op {
	return ClassifyAccessMode(code, 64)
}

// ClassifyAccessMode decodes the instruction at the start of code using the
// given x86 mode (16, 32 or 64). Undecodable input and instructions without a
// memory operand yield Unknown.
func ClassifyAccessMode(code []byte, mode int) Op {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return Unknown
	}

	switch roles[inst.Op] {
	case roleLoad:
		return Load
	case roleStore:
		return Store
	case roleBlockCopy:
		return BlockCopy
	}

	for i, arg := range inst.Args {
		if arg == nil {
			break
		}

		if _, ok := arg.(x86asm.Mem); !ok {
			continue
		}

		if i == 0 {
			return Store
		}

		return Load
	}

	return Unknown
}

// Span is a [Start, Start+Len) address range.
type Span struct {
	Start uintptr
	Len   uintptr
}

func (s Span) Contains(addr uintptr) bool {
	return addr >= s.Start && addr-s.Start < s.Len
}

// Resolve settles which side of a block copy faulted by comparing addr with
// the copy's source and destination. Other ops are returned unchanged.
func Resolve(op Op, addr uintptr, src, dst Span) Op {
	if op != BlockCopy {
		return op
	}

	switch {
	case dst.Contains(addr):
		return BlockCopyDst
	case src.Contains(addr):
		return BlockCopySrc
	default:
		return Unknown
	}
}
