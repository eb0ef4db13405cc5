package wasm

import (
	"bytes"

	"github.com/go-interpreter/wagon/wasm/leb128"
)

const (
	sectionType     = 1
	sectionFunction = 3
	sectionExport   = 7
	sectionCode     = 10

	funcTypeForm = 0x60
	externalFunc = 0x00
)

// Encode writes m as a binary module. It is the inverse of DecodeModule
// for the sections DecodeModule reads.
func (m *Module) Encode() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	var sec bytes.Buffer
	writeU32(&sec, uint32(len(m.Types)))
	for _, t := range m.Types {
		sec.WriteByte(funcTypeForm)
		writeTypes(&sec, t.Params)
		writeTypes(&sec, t.Results)
	}
	writeSection(&out, sectionType, sec.Bytes())

	sec.Reset()
	writeU32(&sec, uint32(len(m.Funcs)))
	for _, f := range m.Funcs {
		writeU32(&sec, f.TypeIndex)
	}
	writeSection(&out, sectionFunction, sec.Bytes())

	if len(m.Exports) > 0 {
		sec.Reset()
		names := m.ExportNames()
		writeU32(&sec, uint32(len(names)))
		for _, n := range names {
			writeU32(&sec, uint32(len(n)))
			sec.WriteString(n)
			sec.WriteByte(externalFunc)
			writeU32(&sec, m.Exports[n])
		}
		writeSection(&out, sectionExport, sec.Bytes())
	}

	sec.Reset()
	writeU32(&sec, uint32(len(m.Funcs)))
	for _, f := range m.Funcs {
		var body bytes.Buffer
		writeU32(&body, uint32(len(f.Body.Locals)))
		for _, l := range f.Body.Locals {
			writeU32(&body, l.Count)
			body.WriteByte(byte(l.Type))
		}
		body.Write(f.Body.Code)
		writeU32(&sec, uint32(body.Len()))
		sec.Write(body.Bytes())
	}
	writeSection(&out, sectionCode, sec.Bytes())
	return out.Bytes()
}

func writeU32(b *bytes.Buffer, v uint32) {
	// Writes to a bytes.Buffer cannot fail.
	_, _ = leb128.WriteVarUint32(b, v)
}

func writeTypes(b *bytes.Buffer, ts []ValType) {
	writeU32(b, uint32(len(ts)))
	for _, t := range ts {
		b.WriteByte(byte(t))
	}
}

func writeSection(out *bytes.Buffer, id byte, payload []byte) {
	out.WriteByte(id)
	writeU32(out, uint32(len(payload)))
	out.Write(payload)
}

// NewModule builds a module in which function i has type types[i] and
// body bodies[i]. Identical signatures share a type entry.
func NewModule(types []FuncType, bodies []FunctionBody, exports map[string]uint32) *Module {
	m := &Module{Exports: map[string]uint32{}}
	for n, i := range exports {
		m.Exports[n] = i
	}
	for i, ty := range types {
		ti := -1
		for j, t := range m.Types {
			if t.Equal(ty) {
				ti = j
				break
			}
		}
		if ti < 0 {
			m.Types = append(m.Types, ty)
			ti = len(m.Types) - 1
		}
		m.Funcs = append(m.Funcs, Func{Index: uint32(i), TypeIndex: uint32(ti), Type: ty, Body: bodies[i]})
	}
	return m
}
