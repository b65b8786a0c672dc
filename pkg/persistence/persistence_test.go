package persistence

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/genovec/pkg/core/hnsw"
	"github.com/sanonone/genovec/pkg/core/metadata"
)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		Header: Header{
			Dim: 2, Metric: 2, Quantization: 0,
			M: 4, EfConstruction: 32, EfSearch: 16, Selection: "simple", Seed: 7, Rerank: 3,
			Entry: 0, Layers: 2, Slots: 4,
		},
		Graph: hnsw.Layout{
			Entry:    0,
			MaxLevel: 1,
			Levels:   []int{1, 0, -1, 0},
			Links: [][][]uint32{
				{{1, 3}, {}},
				{{0, 3}},
				nil,
				{{0, 1}},
			},
		},
		Codebook: []byte{9, 8, 7},
		Slots: []Slot{
			{ID: "a", Live: true, Code: []byte{1, 2, 3, 4, 5, 6, 7, 8},
				Metadata: metadata.Metadata{"gene": metadata.String("BRCA1"), "af": metadata.Number(0.25)}},
			{ID: "b", Live: true, Code: []byte{8, 7, 6, 5, 4, 3, 2, 1}},
			{Live: false, Code: []byte{0, 0, 0, 0, 0, 0, 0, 0}},
			{ID: "d", Live: true, Code: []byte{1, 1, 1, 1, 1, 1, 1, 1},
				Metadata: metadata.Metadata{"somatic": metadata.Bool(true)}},
		},
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	require.NoError(t, fw.WriteFrame(OpGraph, []byte("payload")))
	require.NoError(t, fw.WriteFrame(OpEnd, nil))

	op, payload, n, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpGraph, op)
	assert.Equal(t, "payload", string(payload))
	assert.Equal(t, HeaderSize+7, n)

	op, payload, _, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpEnd, op)
	assert.Empty(t, payload)

	_, _, _, err = ReadFrame(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestFrameCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFrameWriter(&buf).WriteFrame(OpVectors, []byte("abcdef")))
	raw := buf.Bytes()

	flipped := append([]byte(nil), raw...)
	flipped[len(flipped)-1] ^= 0xFF
	_, _, _, err := ReadFrame(bytes.NewReader(flipped))
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	_, _, _, err = ReadFrame(bytes.NewReader(raw[:len(raw)-2]))
	assert.ErrorIs(t, err, ErrIncompleteFrame)

	_, _, _, err = ReadFrame(bytes.NewReader(raw[:4]))
	assert.ErrorIs(t, err, ErrIncompleteFrame)

	badMagic := append([]byte(nil), raw...)
	badMagic[0] = 0x00
	_, _, _, err = ReadFrame(bytes.NewReader(badMagic))
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestSnapshotRoundTripAllCodecs(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecZstd, CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			want := sampleSnapshot()
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, want, codec))
			assert.Equal(t, FileMagic, string(buf.Bytes()[:4]))

			got, err := Read(&buf)
			require.NoError(t, err)
			assert.Equal(t, want.Header, got.Header)
			assert.Equal(t, want.Graph.Levels, got.Graph.Levels)
			assert.Equal(t, want.Graph.Entry, got.Graph.Entry)
			assert.Equal(t, want.Graph.MaxLevel, got.Graph.MaxLevel)
			assert.Equal(t, want.Codebook, got.Codebook)
			require.Len(t, got.Slots, 4)
			for i := range want.Slots {
				assert.Equal(t, want.Slots[i].ID, got.Slots[i].ID)
				assert.Equal(t, want.Slots[i].Live, got.Slots[i].Live)
				assert.Equal(t, want.Slots[i].Code, got.Slots[i].Code)
				assert.Equal(t, len(want.Slots[i].Metadata), len(got.Slots[i].Metadata))
				for k, v := range want.Slots[i].Metadata {
					assert.True(t, v.Equal(got.Slots[i].Metadata[k]), "slot %d key %s", i, k)
				}
			}
			for slot, level := range want.Graph.Levels {
				for l := 0; l <= level; l++ {
					assert.ElementsMatch(t, want.Graph.Links[slot][l], got.Graph.Links[slot][l])
				}
			}
		})
	}
}

func TestWriteIsDeterministic(t *testing.T) {
	var a, b bytes.Buffer
	require.NoError(t, Write(&a, sampleSnapshot(), CodecNone))
	require.NoError(t, Write(&b, sampleSnapshot(), CodecNone))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestReadRejectsBadInput(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("NOPE\x01\x00\x00")))
	assert.ErrorIs(t, err, ErrInvalidMagic)

	_, err = Read(bytes.NewReader([]byte("GVEC\x09\x00\x00")))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleSnapshot(), CodecNone))
	full := buf.Bytes()

	_, err = Read(bytes.NewReader(full[:len(full)-HeaderSize-8]))
	assert.ErrorIs(t, err, ErrCorrupt, "truncated before the end marker")

	mangled := append([]byte(nil), full...)
	mangled[len(mangled)-1] ^= 0x01
	_, err = Read(bytes.NewReader(mangled))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestReadRejectsSectionsOutOfOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePreamble(&buf, CodecNone))
	fw := NewFrameWriter(&buf)
	require.NoError(t, fw.WriteFrame(OpVectors, []byte{0, 0, 0, 0, 0, 0, 0, 0}))
	_, err := Read(&buf)
	assert.ErrorIs(t, err, ErrCorrupt)

	snap := sampleSnapshot()
	snap.Slots[1].Live = false
	buf.Reset()
	require.NoError(t, Write(&buf, snap, CodecNone))
	_, err = Read(&buf)
	assert.ErrorIs(t, err, ErrCorrupt, "liveness must agree with the graph")
}

func TestSaveFileIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.gvec")

	require.NoError(t, SaveFile(path, sampleSnapshot(), CodecZstd))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	bad := sampleSnapshot()
	bad.Header.Slots = 99
	err = SaveFile(path, bad, CodecZstd)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed save must not touch the existing file")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must be cleaned up")

	snap, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Header.Slots)

	_, err = LoadFile(filepath.Join(dir, "missing.gvec"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseCodec(t *testing.T) {
	for name, want := range map[string]Codec{"": CodecNone, "zstd": CodecZstd, "LZ4": CodecLZ4, "none": CodecNone} {
		got, err := ParseCodec(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCodec("gzip")
	assert.Error(t, err)
}
