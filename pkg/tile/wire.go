package tile

import (
	"encoding/binary"
	"fmt"
	"image"
	"math"
)

// Command flags prefix every frame buffer message.
const (
	CmdWorkerWriteTile    uint32 = 1 << 1
	CmdMasterWriteTileI8  uint32 = 1 << 2
	CmdMasterWriteTileF32 uint32 = 1 << 3
	CmdMasterTileHasDepth uint32 = 1 << 4
	CmdMasterTileHasAux   uint32 = 1 << 5
	CmdCancelRendering    uint32 = 1 << 6
	CmdUpdateProgress     uint32 = 1 << 7
)

const planeBytes = Pixels * 4

// writeTileHeader is command + frame + region(4) + fbSize(2) + generation,
// children, sortOrder, accumID.
const writeTileHeader = 4 * (2 + 4 + 2 + 4)

// WriteTileSize returns the encoded size of a WriteTile message.
func WriteTileSize(withAux bool) int {
	n := writeTileHeader + 5*planeBytes
	if withAux {
		n += 6 * planeBytes
	}
	return n
}

// Command reads the command flags of an encoded message.
func Command(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("message too short: %d bytes", len(buf))
	}
	return binary.LittleEndian.Uint32(buf), nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *encoder) i32(v int32) {
	e.u32(uint32(v))
}

func (e *encoder) f32(v float32) {
	e.u32(math.Float32bits(v))
}

func (e *encoder) plane(p []float32) {
	for _, v := range p {
		e.f32(v)
	}
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("truncated message: need %d bytes at offset %d, have %d", n, d.off, len(d.buf))
		return false
	}
	return true
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) i32() int32 {
	return int32(d.u32())
}

func (d *decoder) f32() float32 {
	return math.Float32frombits(d.u32())
}

func (d *decoder) plane(p []float32) {
	if !d.need(4 * len(p)) {
		return
	}
	for i := range p {
		p[i] = math.Float32frombits(binary.LittleEndian.Uint32(d.buf[d.off:]))
		d.off += 4
	}
}

// EncodeWriteTile serializes a worker tile for its owner, stamped with the
// sender's frame sequence number. Aux planes are appended and flagged when
// withAux is set.
func EncodeWriteTile(t *Tile, frame uint32, withAux bool) []byte {
	e := encoder{buf: make([]byte, 0, WriteTileSize(withAux))}
	cmd := CmdWorkerWriteTile
	if withAux {
		cmd |= CmdMasterTileHasAux
	}
	e.u32(cmd)
	e.u32(frame)
	e.i32(int32(t.Region.Min.X))
	e.i32(int32(t.Region.Min.Y))
	e.i32(int32(t.Region.Max.X))
	e.i32(int32(t.Region.Max.Y))
	e.i32(int32(t.FbSize.X))
	e.i32(int32(t.FbSize.Y))
	e.i32(t.Generation)
	e.i32(t.Children)
	e.i32(t.SortOrder)
	e.i32(t.AccumID)
	e.plane(t.R[:])
	e.plane(t.G[:])
	e.plane(t.B[:])
	e.plane(t.A[:])
	e.plane(t.Z[:])
	if withAux {
		e.plane(t.NX[:])
		e.plane(t.NY[:])
		e.plane(t.NZ[:])
		e.plane(t.AR[:])
		e.plane(t.AG[:])
		e.plane(t.AB[:])
	}
	return e.buf
}

// WriteTileFrame reads the frame sequence number of an encoded WriteTile
// without decoding the planes.
func WriteTileFrame(buf []byte) (uint32, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("write tile message too short: %d bytes", len(buf))
	}
	return binary.LittleEndian.Uint32(buf[4:]), nil
}

// DecodeWriteTile parses a message produced by EncodeWriteTile.
func DecodeWriteTile(buf []byte) (*Tile, error) {
	d := decoder{buf: buf}
	cmd := d.u32()
	if d.err == nil && cmd&CmdWorkerWriteTile == 0 {
		return nil, fmt.Errorf("not a write tile message: command %#x", cmd)
	}
	d.u32() // frame
	t := &Tile{}
	minX, minY := d.i32(), d.i32()
	maxX, maxY := d.i32(), d.i32()
	t.Region = image.Rect(int(minX), int(minY), int(maxX), int(maxY))
	fbX, fbY := d.i32(), d.i32()
	t.FbSize = image.Pt(int(fbX), int(fbY))
	t.Generation = d.i32()
	t.Children = d.i32()
	t.SortOrder = d.i32()
	t.AccumID = d.i32()
	d.plane(t.R[:])
	d.plane(t.G[:])
	d.plane(t.B[:])
	d.plane(t.A[:])
	d.plane(t.Z[:])
	if cmd&CmdMasterTileHasAux != 0 {
		d.plane(t.NX[:])
		d.plane(t.NY[:])
		d.plane(t.NZ[:])
		d.plane(t.AR[:])
		d.plane(t.AG[:])
		d.plane(t.AB[:])
	}
	if d.err != nil {
		return nil, d.err
	}
	return t, nil
}

// MasterTile is a finished tile on its way to rank 0. Exactly one of Color8
// (packed RGBA8) and Color32 (interleaved RGBA) is set, chosen by Command.
type MasterTile struct {
	Command uint32
	Coords  image.Point
	Error   float32
	Color8  []uint32
	Color32 []float32
	Depth   []float32
	Normal  []float32 // interleaved xyz
	Albedo  []float32 // interleaved rgb
}

// Size returns the encoded size of the record.
func (m *MasterTile) Size() int {
	return masterTileSize(m.Command)
}

func masterTileSize(cmd uint32) int {
	n := 4 * 4
	switch {
	case cmd&CmdMasterWriteTileI8 != 0:
		n += Pixels * 4
	case cmd&CmdMasterWriteTileF32 != 0:
		n += Pixels * 16
	}
	if cmd&CmdMasterTileHasDepth != 0 {
		n += planeBytes
	}
	if cmd&CmdMasterTileHasAux != 0 {
		n += 6 * planeBytes
	}
	return n
}

// AppendTo appends the encoded record to buf.
func (m *MasterTile) AppendTo(buf []byte) []byte {
	e := encoder{buf: buf}
	e.u32(m.Command)
	e.i32(int32(m.Coords.X))
	e.i32(int32(m.Coords.Y))
	e.f32(m.Error)
	switch {
	case m.Command&CmdMasterWriteTileI8 != 0:
		for i := 0; i < Pixels; i++ {
			e.u32(m.Color8[i])
		}
	case m.Command&CmdMasterWriteTileF32 != 0:
		e.plane(m.Color32[:Pixels*4])
	}
	if m.Command&CmdMasterTileHasDepth != 0 {
		e.plane(m.Depth[:Pixels])
	}
	if m.Command&CmdMasterTileHasAux != 0 {
		e.plane(m.Normal[:Pixels*3])
		e.plane(m.Albedo[:Pixels*3])
	}
	return e.buf
}

// DecodeMasterTiles splits a gather buffer into its records.
func DecodeMasterTiles(buf []byte) ([]*MasterTile, error) {
	var out []*MasterTile
	d := decoder{buf: buf}
	for d.off < len(buf) && d.err == nil {
		m := &MasterTile{Command: d.u32()}
		if d.err != nil {
			break
		}
		if m.Command&(CmdMasterWriteTileI8|CmdMasterWriteTileF32) == 0 {
			return nil, fmt.Errorf("not a master tile record at offset %d: command %#x", d.off-4, m.Command)
		}
		x, y := d.i32(), d.i32()
		m.Coords = image.Pt(int(x), int(y))
		m.Error = d.f32()
		if m.Command&CmdMasterWriteTileI8 != 0 {
			m.Color8 = make([]uint32, Pixels)
			for i := range m.Color8 {
				m.Color8[i] = d.u32()
			}
		} else {
			m.Color32 = make([]float32, Pixels*4)
			d.plane(m.Color32)
		}
		if m.Command&CmdMasterTileHasDepth != 0 {
			m.Depth = make([]float32, Pixels)
			d.plane(m.Depth)
		}
		if m.Command&CmdMasterTileHasAux != 0 {
			m.Normal = make([]float32, Pixels*3)
			m.Albedo = make([]float32, Pixels*3)
			d.plane(m.Normal)
			d.plane(m.Albedo)
		}
		out = append(out, m)
	}
	if d.err != nil {
		return nil, d.err
	}
	return out, nil
}

// ErrorRecordSize is the size of a (tile id, error) record gathered when the
// frame buffer keeps no color.
const ErrorRecordSize = 8

// AppendErrorRecord appends a tile id and its error to buf.
func AppendErrorRecord(buf []byte, id int, err float32) []byte {
	e := encoder{buf: buf}
	e.i32(int32(id))
	e.f32(err)
	return e.buf
}

// DecodeErrorRecords parses records produced by AppendErrorRecord.
func DecodeErrorRecords(buf []byte, fn func(id int, err float32)) error {
	if len(buf)%ErrorRecordSize != 0 {
		return fmt.Errorf("error records: %d bytes is not a multiple of %d", len(buf), ErrorRecordSize)
	}
	d := decoder{buf: buf}
	for d.off < len(buf) {
		id := d.i32()
		fn(int(id), d.f32())
	}
	return d.err
}

// EncodeProgress serializes a completed-tile count report.
func EncodeProgress(rank int, completed int) []byte {
	e := encoder{buf: make([]byte, 0, 12)}
	e.u32(CmdUpdateProgress)
	e.i32(int32(rank))
	e.i32(int32(completed))
	return e.buf
}

// DecodeProgress parses a message produced by EncodeProgress.
func DecodeProgress(buf []byte) (rank int, completed int, err error) {
	d := decoder{buf: buf}
	d.u32()
	r, c := d.i32(), d.i32()
	return int(r), int(c), d.err
}
