// Package persistence reads and writes index snapshots.
//
// A snapshot file starts with a fixed preamble (magic "GVEC", format version,
// stream codec) followed by a possibly compressed stream of CRC32-checked
// frames. The frame opcode names the section and sections appear in order:
// header, graph layers, codebook, vectors, metadata, end marker. Every section
// except the header and the end marker may span several frames.
package persistence

import (
	"errors"
	"fmt"
	"io"

	"github.com/sanonone/genovec/pkg/core/hnsw"
	"github.com/sanonone/genovec/pkg/core/metadata"
)

// ErrCorrupt reports a snapshot whose frames are intact but whose content is
// not a valid index.
var ErrCorrupt = errors.New("corrupt snapshot")

// chunkSize is the number of nodes or slots per frame.
const chunkSize = 4096

// Header carries the parameters needed to rebuild the index.
type Header struct {
	Dim            int
	Metric         uint8
	Quantization   uint8
	M              int
	EfConstruction int
	EfSearch       int
	Selection      string
	Seed           int64
	// Rerank is the oversampling factor of an index keeping full vectors.
	Rerank int
	Entry  uint32
	// Layers is the max level plus one, 0 for an empty graph.
	Layers int
	Slots  int
}

// Slot is one arena entry of the vector store. Dead slots keep their code so
// that slot numbers stay aligned with the graph. When Header.Rerank is set the
// code is followed by the full little-endian float32 vector.
type Slot struct {
	ID       string
	Live     bool
	Code     []byte
	Metadata metadata.Metadata
}

// Snapshot is the complete persisted state of an index.
type Snapshot struct {
	Header   Header
	Graph    hnsw.Layout
	Codebook []byte
	Slots    []Slot
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// Write serializes snap to w using codec for the frame stream.
func Write(w io.Writer, snap *Snapshot, codec Codec) error {
	if len(snap.Slots) != snap.Header.Slots || len(snap.Graph.Levels) != snap.Header.Slots {
		return corrupt("header announces %d slots, store has %d, graph has %d",
			snap.Header.Slots, len(snap.Slots), len(snap.Graph.Levels))
	}
	if err := writePreamble(w, codec); err != nil {
		return fmt.Errorf("write preamble: %w", err)
	}
	cw, err := compressor(w, codec)
	if err != nil {
		return fmt.Errorf("init %s encoder: %w", codec, err)
	}
	fw := NewFrameWriter(cw)
	e := &encoder{buf: make([]byte, 0, 64*1024)}

	steps := []func(*FrameWriter, *encoder, *Snapshot) error{
		writeHeader, writeGraph, writeCodebook, writeVectors, writeMetadata, writeEnd,
	}
	for _, step := range steps {
		if err := step(fw, e, snap); err != nil {
			_ = cw.Close()
			return err
		}
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("flush %s encoder: %w", codec, err)
	}
	return nil
}

func writeHeader(fw *FrameWriter, e *encoder, snap *Snapshot) error {
	h := snap.Header
	e.reset()
	e.u32(uint32(h.Dim))
	e.u8(h.Metric)
	e.u8(h.Quantization)
	e.u32(uint32(h.M))
	e.u32(uint32(h.EfConstruction))
	e.u32(uint32(h.EfSearch))
	e.str(h.Selection)
	e.u64(uint64(h.Seed))
	e.u32(uint32(h.Rerank))
	e.u32(h.Entry)
	e.u32(uint32(h.Layers))
	e.u32(uint32(h.Slots))
	return fw.WriteFrame(OpHeader, e.buf)
}

func writeGraph(fw *FrameWriter, e *encoder, snap *Snapshot) error {
	g := snap.Graph
	for layer := 0; layer < snap.Header.Layers; layer++ {
		var nodes []uint32
		for slot, level := range g.Levels {
			if level >= layer {
				nodes = append(nodes, uint32(slot))
			}
		}
		for start := 0; start < len(nodes); start += chunkSize {
			chunk := nodes[start:min(start+chunkSize, len(nodes))]
			e.reset()
			e.u32(uint32(layer))
			e.u32(uint32(len(chunk)))
			for _, slot := range chunk {
				links := g.Links[slot][layer]
				e.u32(slot)
				e.u32(uint32(len(links)))
				for _, id := range links {
					e.u32(id)
				}
			}
			if err := fw.WriteFrame(OpGraph, e.buf); err != nil {
				return fmt.Errorf("write graph layer %d: %w", layer, err)
			}
		}
	}
	return nil
}

func writeCodebook(fw *FrameWriter, _ *encoder, snap *Snapshot) error {
	if err := fw.WriteFrame(OpCodebook, snap.Codebook); err != nil {
		return fmt.Errorf("write codebook: %w", err)
	}
	return nil
}

func writeVectors(fw *FrameWriter, e *encoder, snap *Snapshot) error {
	for start := 0; start < len(snap.Slots); start += chunkSize {
		chunk := snap.Slots[start:min(start+chunkSize, len(snap.Slots))]
		e.reset()
		e.u32(uint32(start))
		e.u32(uint32(len(chunk)))
		for _, s := range chunk {
			e.boolean(s.Live)
			e.str(s.ID)
			e.bytes(s.Code)
		}
		if err := fw.WriteFrame(OpVectors, e.buf); err != nil {
			return fmt.Errorf("write vectors at slot %d: %w", start, err)
		}
	}
	return nil
}

func writeMetadata(fw *FrameWriter, e *encoder, snap *Snapshot) error {
	var pending []int
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		e.reset()
		e.u32(uint32(len(pending)))
		for _, slot := range pending {
			md := snap.Slots[slot].Metadata
			e.u32(uint32(slot))
			e.uvarint(len(md))
			for _, key := range md.Keys() {
				writeValue(e, key, md[key])
			}
		}
		pending = pending[:0]
		if err := fw.WriteFrame(OpMetadata, e.buf); err != nil {
			return fmt.Errorf("write metadata: %w", err)
		}
		return nil
	}
	for slot, s := range snap.Slots {
		if !s.Live || len(s.Metadata) == 0 {
			continue
		}
		pending = append(pending, slot)
		if len(pending) == chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func writeValue(e *encoder, key string, v metadata.Value) {
	e.str(key)
	e.u8(uint8(v.Kind()))
	switch v.Kind() {
	case metadata.KindString:
		e.str(v.Str())
	case metadata.KindNumber:
		e.f64(v.Num())
	case metadata.KindBool:
		e.boolean(v.Truth())
	}
}

func writeEnd(fw *FrameWriter, e *encoder, snap *Snapshot) error {
	live := 0
	for _, s := range snap.Slots {
		if s.Live {
			live++
		}
	}
	e.reset()
	e.u32(uint32(len(snap.Slots)))
	e.u32(uint32(live))
	return fw.WriteFrame(OpEnd, e.buf)
}

// Read parses a snapshot written by Write. The graph layout is checked for
// shape only; hnsw.Graph.Restore validates its invariants.
func Read(r io.Reader) (*Snapshot, error) {
	codec, err := readPreamble(r)
	if err != nil {
		return nil, err
	}
	cr, err := decompressor(r, codec)
	if err != nil {
		return nil, fmt.Errorf("init %s decoder: %w", codec, err)
	}
	defer cr.Close()

	rd := &reader{}
	for {
		op, payload, _, err := ReadFrame(cr)
		if err == io.EOF {
			return nil, corrupt("missing end marker")
		}
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if err := rd.apply(op, payload); err != nil {
			return nil, err
		}
		if op == OpEnd {
			return rd.snap, nil
		}
	}
}

// reader accumulates sections and enforces their order.
type reader struct {
	snap      *Snapshot
	last      byte
	lastLayer int
	codebook  bool
}

func (rd *reader) apply(op byte, payload []byte) error {
	if rd.snap == nil && op != OpHeader {
		return corrupt("section 0x%02x before header", op)
	}
	if op < rd.last || (op == OpHeader && rd.snap != nil) {
		return corrupt("section 0x%02x after 0x%02x", op, rd.last)
	}
	if op > OpCodebook && !rd.codebook {
		return corrupt("section 0x%02x before codebook", op)
	}
	rd.last = op

	d := &decoder{buf: payload}
	var err error
	switch op {
	case OpHeader:
		err = rd.header(d)
	case OpGraph:
		err = rd.graph(d)
	case OpCodebook:
		if rd.codebook {
			return corrupt("duplicate codebook")
		}
		rd.codebook = true
		rd.snap.Codebook = append([]byte(nil), payload...)
		return nil
	case OpVectors:
		err = rd.vectors(d)
	case OpMetadata:
		err = rd.metadata(d)
	case OpEnd:
		err = rd.end(d)
	default:
		return corrupt("unknown section 0x%02x", op)
	}
	if err != nil {
		return err
	}
	if err := d.done(); err != nil {
		return corrupt("section 0x%02x: %v", op, err)
	}
	return nil
}

func (rd *reader) header(d *decoder) error {
	h := Header{
		Dim:            int(d.u32()),
		Metric:         d.u8(),
		Quantization:   d.u8(),
		M:              int(d.u32()),
		EfConstruction: int(d.u32()),
		EfSearch:       int(d.u32()),
		Selection:      d.str(),
		Seed:           int64(d.u64()),
		Rerank:         int(d.u32()),
		Entry:          d.u32(),
		Layers:         int(d.u32()),
		Slots:          int(d.u32()),
	}
	if d.err != nil {
		return corrupt("header: %v", d.err)
	}
	if h.Dim <= 0 || h.Layers > hnsw.MaxLevelCap+1 {
		return corrupt("header: dimension %d, %d layers", h.Dim, h.Layers)
	}
	if h.Layers > 0 && int(h.Entry) >= h.Slots {
		return corrupt("header: entry point %d outside %d slots", h.Entry, h.Slots)
	}
	levels := make([]int, h.Slots)
	for i := range levels {
		levels[i] = -1
	}
	rd.snap = &Snapshot{
		Header: h,
		Graph: hnsw.Layout{
			Entry:    h.Entry,
			MaxLevel: h.Layers - 1,
			Levels:   levels,
			Links:    make([][][]uint32, h.Slots),
		},
		Slots: make([]Slot, 0, h.Slots),
	}
	return nil
}

func (rd *reader) graph(d *decoder) error {
	g := &rd.snap.Graph
	layer := int(d.u32())
	count := int(d.u32())
	if d.err != nil || layer >= rd.snap.Header.Layers || layer < rd.lastLayer {
		return corrupt("graph frame for layer %d", layer)
	}
	rd.lastLayer = layer
	for i := 0; i < count; i++ {
		slot := d.u32()
		degree := int(d.u32())
		if d.err != nil || int(slot) >= len(g.Levels) || degree > len(g.Levels) {
			return corrupt("graph layer %d: bad node entry", layer)
		}
		if g.Levels[slot] != layer-1 {
			return corrupt("graph layer %d: slot %d out of order", layer, slot)
		}
		links := make([]uint32, degree)
		for j := range links {
			links[j] = d.u32()
		}
		if d.err != nil {
			return corrupt("graph layer %d: %v", layer, d.err)
		}
		g.Levels[slot] = layer
		g.Links[slot] = append(g.Links[slot], links)
	}
	return nil
}

func (rd *reader) vectors(d *decoder) error {
	first := int(d.u32())
	count := int(d.u32())
	if d.err != nil || first != len(rd.snap.Slots) || first+count > rd.snap.Header.Slots {
		return corrupt("vector frame at slot %d", first)
	}
	for i := 0; i < count; i++ {
		s := Slot{Live: d.boolean(), ID: d.str(), Code: d.bytes()}
		if d.err != nil {
			return corrupt("vector slot %d: %v", first+i, d.err)
		}
		if s.Live != (rd.snap.Graph.Levels[first+i] >= 0) {
			return corrupt("vector slot %d liveness disagrees with graph", first+i)
		}
		rd.snap.Slots = append(rd.snap.Slots, s)
	}
	return nil
}

func (rd *reader) metadata(d *decoder) error {
	count := int(d.u32())
	for i := 0; i < count && d.err == nil; i++ {
		slot := int(d.u32())
		pairs := d.uvarint()
		if d.err != nil || pairs > len(d.buf) || slot >= len(rd.snap.Slots) ||
			!rd.snap.Slots[slot].Live || rd.snap.Slots[slot].Metadata != nil {
			return corrupt("metadata for slot %d", slot)
		}
		md := make(metadata.Metadata, pairs)
		for j := 0; j < pairs; j++ {
			key, v, err := readValue(d)
			if err != nil {
				return corrupt("metadata for slot %d: %v", slot, err)
			}
			md[key] = v
		}
		rd.snap.Slots[slot].Metadata = md
	}
	if d.err != nil {
		return corrupt("metadata: %v", d.err)
	}
	return nil
}

func readValue(d *decoder) (string, metadata.Value, error) {
	key := d.str()
	kind := metadata.Kind(d.u8())
	var v metadata.Value
	switch kind {
	case metadata.KindString:
		v = metadata.String(d.str())
	case metadata.KindNumber:
		v = metadata.Number(d.f64())
	case metadata.KindBool:
		v = metadata.Bool(d.boolean())
	default:
		if d.err == nil {
			return "", v, fmt.Errorf("key %q has unknown kind %d", key, kind)
		}
	}
	return key, v, d.err
}

func (rd *reader) end(d *decoder) error {
	slots := int(d.u32())
	live := int(d.u32())
	if d.err != nil {
		return corrupt("end marker: %v", d.err)
	}
	if slots != rd.snap.Header.Slots || len(rd.snap.Slots) != slots {
		return corrupt("end marker announces %d slots, read %d", slots, len(rd.snap.Slots))
	}
	counted := 0
	for _, s := range rd.snap.Slots {
		if s.Live {
			counted++
		}
	}
	if counted != live {
		return corrupt("end marker announces %d live slots, read %d", live, counted)
	}
	return nil
}
