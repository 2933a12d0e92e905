package sandbox

import (
	"bytes"
	"encoding/binary"
)

// Minimal WebAssembly binary encoder for test modules.

const (
	valI32 byte = 0x7f
	valI64 byte = 0x7e

	opUnreachable byte = 0x00
	opIf          byte = 0x04
	opEnd         byte = 0x0b
	opCall        byte = 0x10
	opI32Const    byte = 0x41
	opI64Const    byte = 0x42
	blockVoid     byte = 0x40
)

type funcType struct {
	params  []byte
	results []byte
}

type wasmImport struct {
	module, name string
	typeIdx      uint32
}

type wasmFunc struct {
	typeIdx  uint32
	export   string
	exported bool
	body     []byte
}

type dataSegment struct {
	offset int32
	data   []byte
}

type wasmModule struct {
	types   []funcType
	imports []wasmImport
	funcs   []wasmFunc
	memory  bool
	data    []dataSegment
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if done {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wasmName(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items [][]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint64(len(payload)))...)
	return append(out, payload...)
}

func (m wasmModule) encode() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	if len(m.types) > 0 {
		var items [][]byte
		for _, t := range m.types {
			item := []byte{0x60}
			item = append(item, uleb(uint64(len(t.params)))...)
			item = append(item, t.params...)
			item = append(item, uleb(uint64(len(t.results)))...)
			item = append(item, t.results...)
			items = append(items, item)
		}
		buf.Write(section(1, vec(items)))
	}

	if len(m.imports) > 0 {
		var items [][]byte
		for _, imp := range m.imports {
			item := append(wasmName(imp.module), wasmName(imp.name)...)
			item = append(item, 0x00)
			item = append(item, uleb(uint64(imp.typeIdx))...)
			items = append(items, item)
		}
		buf.Write(section(2, vec(items)))
	}

	if len(m.funcs) > 0 {
		var items [][]byte
		for _, f := range m.funcs {
			items = append(items, uleb(uint64(f.typeIdx)))
		}
		buf.Write(section(3, vec(items)))
	}

	if m.memory {
		buf.Write(section(5, vec([][]byte{{0x00, 0x01}})))
	}

	var exports [][]byte
	if m.memory {
		exports = append(exports, append(wasmName("memory"), 0x02, 0x00))
	}
	for i, f := range m.funcs {
		if !f.exported {
			continue
		}
		idx := uint64(len(m.imports) + i)
		exports = append(exports, append(append(wasmName(f.export), 0x00), uleb(idx)...))
	}
	if len(exports) > 0 {
		buf.Write(section(7, vec(exports)))
	}

	if len(m.funcs) > 0 {
		var items [][]byte
		for _, f := range m.funcs {
			body := append([]byte{0x00}, f.body...)
			body = append(body, opEnd)
			items = append(items, append(uleb(uint64(len(body))), body...))
		}
		buf.Write(section(10, vec(items)))
	}

	if len(m.data) > 0 {
		var items [][]byte
		for _, d := range m.data {
			item := []byte{0x00, opI32Const}
			item = append(item, sleb(int64(d.offset))...)
			item = append(item, opEnd)
			item = append(item, uleb(uint64(len(d.data)))...)
			item = append(item, d.data...)
			items = append(items, item)
		}
		buf.Write(section(11, vec(items)))
	}

	return buf.Bytes()
}

func i32Const(v int32) []byte { return append([]byte{opI32Const}, sleb(int64(v))...) }
func i64Const(v int64) []byte { return append([]byte{opI64Const}, sleb(v)...) }
func call(idx uint32) []byte  { return append([]byte{opCall}, uleb(uint64(idx))...) }

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// trapIfNonZero consumes an i32 and traps when it is not zero.
var trapIfNonZero = []byte{opIf, blockVoid, opUnreachable, opEnd}

var voidType = funcType{}

// startModule exports a single _start with the given body and no imports.
func startModule(body []byte) []byte {
	return wasmModule{
		types: []funcType{voidType},
		funcs: []wasmFunc{{typeIdx: 0, export: "_start", exported: true, body: body}},
	}.encode()
}

// openModule tries path_open on the first preopen (fd 3), following
// symlinks, and traps when the call reports an error.
func openModule(guestRelPath string) []byte {
	const pathPtr, resultPtr = 64, 8
	pathOpen := funcType{
		params:  []byte{valI32, valI32, valI32, valI32, valI32, valI64, valI64, valI32, valI32},
		results: []byte{valI32},
	}
	body := concat(
		i32Const(3),
		i32Const(1), // LOOKUPFLAGS_SYMLINK_FOLLOW
		i32Const(pathPtr),
		i32Const(int32(len(guestRelPath))),
		i32Const(0),
		i64Const(0),
		i64Const(0),
		i32Const(0),
		i32Const(resultPtr),
		call(0),
		trapIfNonZero,
	)
	return wasmModule{
		types:   []funcType{pathOpen, voidType},
		imports: []wasmImport{{module: "wasi_snapshot_preview1", name: "path_open", typeIdx: 0}},
		funcs:   []wasmFunc{{typeIdx: 1, export: "_start", exported: true, body: body}},
		memory:  true,
		data:    []dataSegment{{offset: pathPtr, data: []byte(guestRelPath)}},
	}.encode()
}

// writeModule writes msg to stdout with fd_write.
func writeModule(msg string) []byte {
	const iovPtr, msgPtr, nwrittenPtr = 0, 64, 16
	fdWrite := funcType{params: []byte{valI32, valI32, valI32, valI32}, results: []byte{valI32}}
	iov := make([]byte, 8)
	binary.LittleEndian.PutUint32(iov[0:], msgPtr)
	binary.LittleEndian.PutUint32(iov[4:], uint32(len(msg)))
	body := concat(i32Const(1), i32Const(iovPtr), i32Const(1), i32Const(nwrittenPtr), call(0), trapIfNonZero)
	return wasmModule{
		types:   []funcType{fdWrite, voidType},
		imports: []wasmImport{{module: "wasi_snapshot_preview1", name: "fd_write", typeIdx: 0}},
		funcs:   []wasmFunc{{typeIdx: 1, export: "_start", exported: true, body: body}},
		memory:  true,
		data: []dataSegment{
			{offset: iovPtr, data: iov},
			{offset: msgPtr, data: []byte(msg)},
		},
	}.encode()
}

// exitModule calls proc_exit with code.
func exitModule(code int32) []byte {
	procExit := funcType{params: []byte{valI32}}
	return wasmModule{
		types:   []funcType{procExit, voidType},
		imports: []wasmImport{{module: "wasi_snapshot_preview1", name: "proc_exit", typeIdx: 0}},
		funcs:   []wasmFunc{{typeIdx: 1, export: "_start", exported: true, body: concat(i32Const(code), call(0))}},
		memory:  true,
	}.encode()
}

// envModule traps unless environ_sizes_get reports exactly want variables.
func envModule(want int32) []byte {
	sizesGet := funcType{params: []byte{valI32, valI32}, results: []byte{valI32}}
	// i32.load offset=0 align=2
	load := []byte{0x28, 0x02, 0x00}
	const countPtr, sizePtr = 0, 4
	body := concat(
		i32Const(countPtr), i32Const(sizePtr), call(0), trapIfNonZero,
		i32Const(countPtr), load, i32Const(want), []byte{0x47}, // i32.ne
		trapIfNonZero,
	)
	return wasmModule{
		types:   []funcType{sizesGet, voidType},
		imports: []wasmImport{{module: "wasi_snapshot_preview1", name: "environ_sizes_get", typeIdx: 0}},
		funcs:   []wasmFunc{{typeIdx: 1, export: "_start", exported: true, body: body}},
		memory:  true,
	}.encode()
}
