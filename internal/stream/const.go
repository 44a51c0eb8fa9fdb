package stream

// WriteSpinCount bounds the number of successive zero-length writes a
// WriteStream retries before giving up and buffering the remainder into a
// slot (spec.md section 4.H, section 9). Fixed at compile time, as the
// reference implementation does; spec.md leaves the exact value an open
// question within the recommended 2-8 range.
const WriteSpinCount = 4

// DefaultReadBufferSize bounds how many bytes a ReadStream will attempt
// to read from the socket in one OP_READ readiness callback, before
// clamping further by the current credit window (spec.md section 4.G).
const DefaultReadBufferSize = 65535
