// Package wasmtest assembles small WebAssembly binaries for tests so the
// host can be exercised without a guest toolchain.
package wasmtest

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/tetratelabs/wazero/api"
)

// Value types, re-exported for brevity.
const (
	I32 = api.ValueTypeI32
	I64 = api.ValueTypeI64
	F64 = api.ValueTypeF64
)

type funcType struct {
	params, results []api.ValueType
}

type importFunc struct {
	module, name string
	typeIdx      uint32
}

type function struct {
	typeIdx uint32
	locals  []api.ValueType
	body    []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type dataSegment struct {
	offset uint32
	data   []byte
}

// Module is a builder. Imports must be declared before functions because
// they share the function index space.
type Module struct {
	types   []funcType
	imports []importFunc
	funcs   []function
	memory  *[2]uint32
	hasMax  bool
	exports []export
	data    []dataSegment
}

// New returns an empty module.
func New() *Module { return &Module{} }

func (m *Module) typeIndex(params, results []api.ValueType) uint32 {
	for i, t := range m.types {
		if bytes.Equal(t.params, params) && bytes.Equal(t.results, results) {
			return uint32(i)
		}
	}
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

// Import declares an imported function and returns its index.
func (m *Module) Import(module, name string, params, results []api.ValueType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: imports must precede functions")
	}
	m.imports = append(m.imports, importFunc{module: module, name: name, typeIdx: m.typeIndex(params, results)})
	return uint32(len(m.imports) - 1)
}

// Func defines a function from instruction fragments and returns its index.
// The trailing end opcode is added automatically.
func (m *Module) Func(params, results, locals []api.ValueType, body ...[]byte) uint32 {
	m.funcs = append(m.funcs, function{
		typeIdx: m.typeIndex(params, results),
		locals:  locals,
		body:    bytes.Join(body, nil),
	})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Export exports a function.
func (m *Module) Export(name string, funcIdx uint32) *Module {
	m.exports = append(m.exports, export{name: name, kind: 0x00, idx: funcIdx})
	return m
}

// Memory declares memory 0 with min pages and exports it as "memory".
func (m *Module) Memory(min uint32) *Module {
	m.memory = &[2]uint32{min, 0}
	m.exports = append(m.exports, export{name: "memory", kind: 0x02, idx: 0})
	return m
}

// MemoryMax is Memory with a declared maximum.
func (m *Module) MemoryMax(min, max uint32) *Module {
	m.Memory(min)
	m.memory[1] = max
	m.hasMax = true
	return m
}

// Data places bytes at offset in memory 0.
func (m *Module) Data(offset uint32, b []byte) *Module {
	m.data = append(m.data, dataSegment{offset: offset, data: b})
	return m
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	if len(m.types) > 0 {
		var sec bytes.Buffer
		sec.Write(U32(uint32(len(m.types))))
		for _, t := range m.types {
			sec.WriteByte(0x60)
			sec.Write(U32(uint32(len(t.params))))
			sec.Write(t.params)
			sec.Write(U32(uint32(len(t.results))))
			sec.Write(t.results)
		}
		section(&out, 1, sec.Bytes())
	}

	if len(m.imports) > 0 {
		var sec bytes.Buffer
		sec.Write(U32(uint32(len(m.imports))))
		for _, im := range m.imports {
			sec.Write(name(im.module))
			sec.Write(name(im.name))
			sec.WriteByte(0x00)
			sec.Write(U32(im.typeIdx))
		}
		section(&out, 2, sec.Bytes())
	}

	if len(m.funcs) > 0 {
		var sec bytes.Buffer
		sec.Write(U32(uint32(len(m.funcs))))
		for _, f := range m.funcs {
			sec.Write(U32(f.typeIdx))
		}
		section(&out, 3, sec.Bytes())
	}

	if m.memory != nil {
		var sec bytes.Buffer
		sec.Write(U32(1))
		if m.hasMax {
			sec.WriteByte(0x01)
			sec.Write(U32(m.memory[0]))
			sec.Write(U32(m.memory[1]))
		} else {
			sec.WriteByte(0x00)
			sec.Write(U32(m.memory[0]))
		}
		section(&out, 5, sec.Bytes())
	}

	if len(m.exports) > 0 {
		var sec bytes.Buffer
		sec.Write(U32(uint32(len(m.exports))))
		for _, e := range m.exports {
			sec.Write(name(e.name))
			sec.WriteByte(e.kind)
			sec.Write(U32(e.idx))
		}
		section(&out, 7, sec.Bytes())
	}

	if len(m.funcs) > 0 {
		var sec bytes.Buffer
		sec.Write(U32(uint32(len(m.funcs))))
		for _, f := range m.funcs {
			var body bytes.Buffer
			body.Write(U32(uint32(len(f.locals))))
			for _, l := range f.locals {
				body.Write(U32(1))
				body.WriteByte(l)
			}
			body.Write(f.body)
			body.WriteByte(0x0b)
			sec.Write(U32(uint32(body.Len())))
			sec.Write(body.Bytes())
		}
		section(&out, 10, sec.Bytes())
	}

	if len(m.data) > 0 {
		var sec bytes.Buffer
		sec.Write(U32(uint32(len(m.data))))
		for _, d := range m.data {
			sec.WriteByte(0x00)
			sec.Write(I32Const(int32(d.offset)))
			sec.WriteByte(0x0b)
			sec.Write(U32(uint32(len(d.data))))
			sec.Write(d.data)
		}
		section(&out, 11, sec.Bytes())
	}

	return out.Bytes()
}

func section(out *bytes.Buffer, id byte, payload []byte) {
	out.WriteByte(id)
	out.Write(U32(uint32(len(payload))))
	out.Write(payload)
}

func name(s string) []byte {
	return append(U32(uint32(len(s))), s...)
}

// U32 is unsigned LEB128.
func U32(v uint32) []byte {
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

// S64 is signed LEB128.
func S64(v int64) []byte {
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

// Instructions.

func I32Const(v int32) []byte { return append([]byte{0x41}, S64(int64(v))...) }
func I64Const(v int64) []byte { return append([]byte{0x42}, S64(v)...) }

func F64Const(v float64) []byte {
	b := make([]byte, 9)
	b[0] = 0x44
	binary.LittleEndian.PutUint64(b[1:], math.Float64bits(v))
	return b
}

func Call(idx uint32) []byte     { return append([]byte{0x10}, U32(idx)...) }
func LocalGet(idx uint32) []byte { return append([]byte{0x20}, U32(idx)...) }
func LocalSet(idx uint32) []byte { return append([]byte{0x21}, U32(idx)...) }
func Br(depth uint32) []byte     { return append([]byte{0x0c}, U32(depth)...) }
func BrIf(depth uint32) []byte   { return append([]byte{0x0d}, U32(depth)...) }

// I32Store writes the i32 on top of the stack to the address below it.
func I32Store(offset uint32) []byte {
	return append([]byte{0x36, 0x02}, U32(offset)...)
}

// I32Load reads an i32 from the address on the stack.
func I32Load(offset uint32) []byte {
	return append([]byte{0x28, 0x02}, U32(offset)...)
}

// I64Load reads an i64 from the address on the stack.
func I64Load(offset uint32) []byte {
	return append([]byte{0x29, 0x03}, U32(offset)...)
}

var (
	Unreachable = []byte{0x00}
	Nop         = []byte{0x01}
	Loop        = []byte{0x03, 0x40}
	If          = []byte{0x04, 0x40}
	Else        = []byte{0x05}
	End         = []byte{0x0b}
	Return      = []byte{0x0f}
	Drop        = []byte{0x1a}
	I32Eqz      = []byte{0x45}
	I32GtS      = []byte{0x4a}
	I32LtS      = []byte{0x48}
	I64GtS      = []byte{0x55}
	I32Sub      = []byte{0x6b}
	I32Mul      = []byte{0x6c}
	MemoryGrow  = []byte{0x40, 0x00}
	// F64ConvertI32S turns an i32 status into an f64, handy for
	// reporting it through record_metric.
	F64ConvertI32S = []byte{0xb7}
)

// Str returns a pointer/length pair as two i32.const instructions.
func Str(ptr uint32, s string) []byte {
	return append(I32Const(int32(ptr)), I32Const(int32(len(s)))...)
}
