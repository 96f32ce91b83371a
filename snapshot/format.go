// Package snapshot persists and restores the engine's durable state.
//
// A snapshot is a self-describing sectioned file:
//
//  1. header (magic, version, codec name)
//  2. sections, each lz4-compressed with a CRC32 checksum
//  3. directory (type/offset/length/checksum per section)
//  4. footer (directory offset/length + magic)
//
// Together with the write-ahead log it makes acknowledged writes
// survive a crash: restore the latest snapshot, then replay the log.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/embedix/codec"
	"github.com/hupe1980/embedix/pk"
	"github.com/hupe1980/embedix/vectorstore"
)

var (
	headerMagic = [4]byte{'E', 'X', 'S', '1'}
	footerMagic = [4]byte{'E', 'X', 'F', '1'}
)

const (
	formatVersion = uint16(1)

	sectionMeta    = uint16(1)
	sectionVectors = uint16(2)
	sectionPK      = uint16(3)

	// directory entry: type u16 + pad u16 + offset u64 + len u64 + crc u32
	dirEntrySize = 24
	footerSize   = 20 // dirOffset u64 + dirLen u64 + magic
)

// Meta describes the snapshot contents. It is codec-marshaled into the
// meta section, so field names are part of the format.
type Meta struct {
	Dimension int       `json:"dimension"`
	Metric    string    `json:"metric"`
	Index     string    `json:"index"`
	LastSeq   uint64    `json:"last_seq"`
	CreatedAt time.Time `json:"created_at"`
}

type sectionEntry struct {
	Type     uint16
	Offset   uint64
	Len      uint64
	Checksum uint32
}

// Write serializes a snapshot to w.
func Write(w io.Writer, meta Meta, store *vectorstore.Store, pks *pk.MemoryIndex, c codec.Codec) error {
	if store == nil {
		return fmt.Errorf("snapshot: vector store is nil")
	}
	if pks == nil {
		return fmt.Errorf("snapshot: pk index is nil")
	}
	if c == nil {
		c = codec.Default
	}

	codecName := c.Name()

	// Header: magic(4) version(2) codecLen(2) sectionCount(2) reserved(2)
	var hdr [12]byte
	copy(hdr[0:4], headerMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], formatVersion)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(len(codecName)))
	binary.LittleEndian.PutUint16(hdr[8:10], 3)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, codecName); err != nil {
		return err
	}
	offset := uint64(len(hdr) + len(codecName))

	var entries []sectionEntry

	writeSection := func(typ uint16, raw []byte) error {
		compressed, err := compress(raw)
		if err != nil {
			return fmt.Errorf("snapshot: compress section %d: %w", typ, err)
		}
		if _, err := w.Write(compressed); err != nil {
			return err
		}
		entries = append(entries, sectionEntry{
			Type:     typ,
			Offset:   offset,
			Len:      uint64(len(compressed)),
			Checksum: crc32.ChecksumIEEE(compressed),
		})
		offset += uint64(len(compressed))
		return nil
	}

	metaBytes, err := c.Marshal(meta)
	if err != nil {
		return fmt.Errorf("snapshot: marshal meta: %w", err)
	}
	if err := writeSection(sectionMeta, metaBytes); err != nil {
		return err
	}

	var storeBuf bytes.Buffer
	if _, err := store.WriteTo(&storeBuf); err != nil {
		return fmt.Errorf("snapshot: serialize vector store: %w", err)
	}
	if err := writeSection(sectionVectors, storeBuf.Bytes()); err != nil {
		return err
	}

	var pkBuf bytes.Buffer
	if _, err := pks.WriteTo(&pkBuf); err != nil {
		return fmt.Errorf("snapshot: serialize pk index: %w", err)
	}
	if err := writeSection(sectionPK, pkBuf.Bytes()); err != nil {
		return err
	}

	// Directory
	dirOffset := offset
	for _, e := range entries {
		var buf [dirEntrySize]byte
		binary.LittleEndian.PutUint16(buf[0:2], e.Type)
		binary.LittleEndian.PutUint64(buf[4:12], e.Offset)
		binary.LittleEndian.PutUint64(buf[12:20], e.Len)
		binary.LittleEndian.PutUint32(buf[20:24], e.Checksum)
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}

	// Footer
	var footer [footerSize]byte
	binary.LittleEndian.PutUint64(footer[0:8], dirOffset)
	binary.LittleEndian.PutUint64(footer[8:16], uint64(len(entries))*dirEntrySize)
	copy(footer[16:20], footerMagic[:])
	_, err = w.Write(footer[:])
	return err
}

// Read restores a snapshot from data.
func Read(data []byte) (Meta, *vectorstore.Store, *pk.MemoryIndex, error) {
	var meta Meta
	if len(data) < 12+footerSize {
		return meta, nil, nil, fmt.Errorf("snapshot: file too short")
	}
	if !bytes.Equal(data[0:4], headerMagic[:]) {
		return meta, nil, nil, fmt.Errorf("snapshot: invalid header magic")
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != formatVersion {
		return meta, nil, nil, fmt.Errorf("snapshot: unsupported version %d", v)
	}
	codecLen := int(binary.LittleEndian.Uint16(data[6:8]))
	if 12+codecLen > len(data) {
		return meta, nil, nil, fmt.Errorf("snapshot: truncated header")
	}
	codecName := string(data[12 : 12+codecLen])
	c, ok := codec.ByName(codecName)
	if !ok {
		return meta, nil, nil, fmt.Errorf("snapshot: unknown codec %q", codecName)
	}

	footer := data[len(data)-footerSize:]
	if !bytes.Equal(footer[16:20], footerMagic[:]) {
		return meta, nil, nil, fmt.Errorf("snapshot: invalid footer magic")
	}
	dirOffset := binary.LittleEndian.Uint64(footer[0:8])
	dirLen := binary.LittleEndian.Uint64(footer[8:16])
	if dirOffset+dirLen > uint64(len(data)) {
		return meta, nil, nil, fmt.Errorf("snapshot: directory out of bounds")
	}

	sections := make(map[uint16][]byte)
	dir := data[dirOffset : dirOffset+dirLen]
	for i := 0; i+dirEntrySize <= len(dir); i += dirEntrySize {
		typ := binary.LittleEndian.Uint16(dir[i : i+2])
		off := binary.LittleEndian.Uint64(dir[i+4 : i+12])
		length := binary.LittleEndian.Uint64(dir[i+12 : i+20])
		sum := binary.LittleEndian.Uint32(dir[i+20 : i+24])

		if off+length > uint64(len(data)) {
			return meta, nil, nil, fmt.Errorf("snapshot: section %d out of bounds", typ)
		}
		compressed := data[off : off+length]
		if crc32.ChecksumIEEE(compressed) != sum {
			return meta, nil, nil, fmt.Errorf("snapshot: section %d checksum mismatch", typ)
		}
		raw, err := decompress(compressed)
		if err != nil {
			return meta, nil, nil, fmt.Errorf("snapshot: decompress section %d: %w", typ, err)
		}
		sections[typ] = raw
	}

	metaBytes, ok := sections[sectionMeta]
	if !ok {
		return meta, nil, nil, fmt.Errorf("snapshot: missing meta section")
	}
	if err := c.Unmarshal(metaBytes, &meta); err != nil {
		return meta, nil, nil, fmt.Errorf("snapshot: unmarshal meta: %w", err)
	}

	storeBytes, ok := sections[sectionVectors]
	if !ok {
		return meta, nil, nil, fmt.Errorf("snapshot: missing vector section")
	}
	store, err := vectorstore.Read(bytes.NewReader(storeBytes))
	if err != nil {
		return meta, nil, nil, err
	}

	pkBytes, ok := sections[sectionPK]
	if !ok {
		return meta, nil, nil, fmt.Errorf("snapshot: missing pk section")
	}
	pks, err := pk.Read(bytes.NewReader(pkBytes))
	if err != nil {
		return meta, nil, nil, err
	}

	return meta, store, pks, nil
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(compressed []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(compressed))
	return io.ReadAll(zr)
}
