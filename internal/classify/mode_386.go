package classify

// ArchMode is the x86asm decoding mode of the running binary.
const ArchMode = 32
