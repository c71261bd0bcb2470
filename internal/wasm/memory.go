package wasm

import (
	"github.com/tetratelabs/wazero/api"
)

// Memory provides bounds-checked access to a core's linear memory.
//
// A core's memory is isolated from Go's heap; the only way in or out is
// copying through api.Memory. Reads return copies so that callers never hold
// a view that a later memory.grow could invalidate.
type Memory struct {
	mem api.Memory
}

// NewMemory creates a memory helper.
func NewMemory(module api.Module) *Memory {
	return &Memory{mem: module.Memory()}
}

// Size returns the current memory size in bytes.
func (m *Memory) Size() uint32 {
	return m.mem.Size()
}

// ReadString reads a null-terminated string from Wasm memory.
func (m *Memory) ReadString(ptr uint32, maxLen uint32) (string, bool) {
	// Read bytes until null terminator or maxLen.
	buf, ok := m.mem.Read(ptr, maxLen)
	if !ok {
		return "", false
	}

	end := len(buf)
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
	}

	return string(buf[:end]), true
}

// ReadBytes copies length bytes starting at ptr out of Wasm memory.
func (m *Memory) ReadBytes(ptr uint32, length uint32) ([]byte, error) {
	buf, ok := m.mem.Read(ptr, length)
	if !ok {
		return nil, &MemoryAccessError{
			Operation: "read",
			Address:   ptr,
			Length:    length,
			Err:       errOutOfRange,
		}
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// WriteBytes copies data verbatim into Wasm memory at ptr.
func (m *Memory) WriteBytes(ptr uint32, data []byte) error {
	if !m.mem.Write(ptr, data) {
		return &MemoryAccessError{
			Operation: "write",
			Address:   ptr,
			Length:    uint32(len(data)),
			Err:       errOutOfRange,
		}
	}
	return nil
}
