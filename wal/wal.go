// Package wal provides write-ahead logging for durability and crash recovery.
//
// Every acknowledged insert or delete is appended to the log before it
// is applied, so an engine restart can replay operations issued since
// the last snapshot. Entries are individually framed and checksummed;
// replay stops at the first corrupt frame (a torn tail write) and
// truncates it.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/embedix/model"
)

const fileName = "embedix.wal"

var magic = [4]byte{'E', 'X', 'W', 'L'}

const (
	formatVersion = uint16(1)
	headerSize    = 8 // magic + version + flags

	flagCompressed = uint16(1)
)

// DurabilityMode defines the fsync behavior for WAL writes.
type DurabilityMode int

const (
	// DurabilityAsync performs no fsync. Fastest, risks losing the tail
	// of the log on power failure.
	DurabilityAsync DurabilityMode = iota
	// DurabilityGroupCommit batches fsync at a fixed interval,
	// amortizing its cost across operations. Recommended default.
	DurabilityGroupCommit
	// DurabilitySync fsyncs after every append. Strongest guarantee.
	DurabilitySync
)

// OperationType identifies a logged operation.
type OperationType uint8

const (
	// OpInsert records a document insert.
	OpInsert OperationType = iota
	// OpDelete records a document delete.
	OpDelete
)

// Entry is a single logged operation.
type Entry struct {
	Seq     uint64
	Op      OperationType
	ID      model.DocID
	Vector  []float32
	Payload []byte
}

// Options configures the WAL.
type Options struct {
	// Path is the directory where the log file lives.
	Path string
	// DurabilityMode selects the fsync strategy.
	DurabilityMode DurabilityMode
	// GroupCommitInterval is the fsync period for DurabilityGroupCommit.
	GroupCommitInterval time.Duration
	// Compress enables per-entry zstd compression.
	Compress bool
}

// DefaultOptions are the baseline WAL options.
var DefaultOptions = Options{
	DurabilityMode:      DurabilityGroupCommit,
	GroupCommitInterval: 10 * time.Millisecond,
}

// WAL is an append-only operation log.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	opts     Options
	seqNum   uint64

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New opens (or creates) the log in opts.Path.
func New(optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Path == "" {
		return nil, errors.New("wal: path is required")
	}
	if err := os.MkdirAll(opts.Path, 0o750); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	filePath := filepath.Join(opts.Path, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // path is configurable
	if err != nil {
		return nil, fmt.Errorf("wal: open file: %w", err)
	}

	w := &WAL{
		file:     file,
		filePath: filePath,
		opts:     opts,
	}

	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if st.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			_ = file.Close()
			return nil, err
		}
	} else if err := w.readHeader(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if w.opts.Compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		w.encoder = enc
		w.decoder = dec
	}

	if err := w.scanTail(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if w.opts.DurabilityMode == DurabilityGroupCommit && w.opts.GroupCommitInterval > 0 {
		w.stopCh = make(chan struct{})
		w.wg.Add(1)
		go w.groupCommitLoop()
	}

	return w, nil
}

// FilePath returns the path of the log file.
func (w *WAL) FilePath() string { return w.filePath }

// LastSeq returns the highest sequence number written or replayed.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seqNum
}

func (w *WAL) writeHeader() error {
	var hdr [headerSize]byte
	copy(hdr[0:4], magic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], formatVersion)
	var flags uint16
	if w.opts.Compress {
		flags |= flagCompressed
	}
	binary.LittleEndian.PutUint16(hdr[6:8], flags)
	if _, err := w.file.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	return nil
}

func (w *WAL) readHeader() error {
	var hdr [headerSize]byte
	if _, err := w.file.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}
	if hdr[0] != magic[0] || hdr[1] != magic[1] || hdr[2] != magic[2] || hdr[3] != magic[3] {
		return errors.New("wal: invalid header magic")
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != formatVersion {
		return fmt.Errorf("wal: unsupported format version %d", v)
	}
	w.opts.Compress = binary.LittleEndian.Uint16(hdr[6:8])&flagCompressed != 0
	return nil
}

// scanTail walks existing entries to recover seqNum and truncate a torn
// tail, then positions the write offset at the end.
func (w *WAL) scanTail() error {
	offset := int64(headerSize)
	for {
		entry, n, err := w.readEntryAt(offset)
		if err != nil {
			// A short or corrupt frame is an interrupted final write.
			if err := w.file.Truncate(offset); err != nil {
				return fmt.Errorf("wal: truncate torn tail: %w", err)
			}
			break
		}
		if entry.Seq > w.seqNum {
			w.seqNum = entry.Seq
		}
		offset += n
	}
	if _, err := w.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	return nil
}

// Append logs the entry and returns its assigned sequence number.
func (w *WAL) Append(e Entry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seqNum++
	e.Seq = w.seqNum

	frame, err := w.encodeEntry(e)
	if err != nil {
		return 0, err
	}
	if _, err := w.file.Write(frame); err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	if w.opts.DurabilityMode == DurabilitySync {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("wal: fsync: %w", err)
		}
	}
	return e.Seq, nil
}

// Replay invokes fn for every entry with Seq > afterSeq, in log order.
func (w *WAL) Replay(afterSeq uint64, fn func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	offset := int64(headerSize)
	for {
		entry, n, err := w.readEntryAt(offset)
		if err != nil {
			return nil // torn tail was truncated by scanTail; stop quietly
		}
		if entry.Seq > afterSeq {
			if err := fn(entry); err != nil {
				return err
			}
		}
		offset += n
	}
}

// Checkpoint truncates the log after a successful snapshot. Sequence
// numbers keep increasing monotonically across checkpoints.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(headerSize); err != nil {
		return fmt.Errorf("wal: checkpoint truncate: %w", err)
	}
	if _, err := w.file.Seek(headerSize, io.SeekStart); err != nil {
		return err
	}
	return w.file.Sync()
}

// Sync forces the log to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close stops the group-commit loop and closes the file.
func (w *WAL) Close() error {
	if w.stopCh != nil {
		close(w.stopCh)
		w.wg.Wait()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	if w.encoder != nil {
		_ = w.encoder.Close()
	}
	if w.decoder != nil {
		w.decoder.Close()
	}
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

func (w *WAL) groupCommitLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.GroupCommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			_ = w.file.Sync()
			w.mu.Unlock()
		case <-w.stopCh:
			return
		}
	}
}

// maxFrameBytes bounds a single entry frame. A stored length beyond it
// is treated as corruption rather than honored as an allocation size.
const maxFrameBytes = 64 << 20

// Frame layout: [payloadLen u32][crc32 u32][payload].
// Payload (possibly zstd-compressed):
//
//	[seq u64][op u8][idLen u16][id][vecLen u32][vec f32...][payloadLen u32][payload]
func (w *WAL) encodeEntry(e Entry) ([]byte, error) {
	if len(e.ID) > math.MaxUint16 {
		return nil, fmt.Errorf("wal: doc id too long: %d bytes", len(e.ID))
	}

	size := 8 + 1 + 2 + len(e.ID) + 4 + len(e.Vector)*4 + 4 + len(e.Payload)
	payload := make([]byte, 0, size)

	var b8 [8]byte
	binary.LittleEndian.PutUint64(b8[:], e.Seq)
	payload = append(payload, b8[:]...)
	payload = append(payload, byte(e.Op))

	var b2 [2]byte
	binary.LittleEndian.PutUint16(b2[:], uint16(len(e.ID)))
	payload = append(payload, b2[:]...)
	payload = append(payload, e.ID...)

	var b4 [4]byte
	binary.LittleEndian.PutUint32(b4[:], uint32(len(e.Vector)))
	payload = append(payload, b4[:]...)
	for _, f := range e.Vector {
		binary.LittleEndian.PutUint32(b4[:], math.Float32bits(f))
		payload = append(payload, b4[:]...)
	}

	binary.LittleEndian.PutUint32(b4[:], uint32(len(e.Payload)))
	payload = append(payload, b4[:]...)
	payload = append(payload, e.Payload...)

	if w.encoder != nil {
		payload = w.encoder.EncodeAll(payload, nil)
	}
	if len(payload) > maxFrameBytes {
		return nil, fmt.Errorf("wal: entry of %d bytes exceeds frame limit", len(payload))
	}

	frame := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[8:], payload)
	return frame, nil
}

func (w *WAL) readEntryAt(offset int64) (Entry, int64, error) {
	var hdr [8]byte
	if _, err := w.file.ReadAt(hdr[:], offset); err != nil {
		return Entry{}, 0, err
	}
	payloadLen := binary.LittleEndian.Uint32(hdr[0:4])
	wantCRC := binary.LittleEndian.Uint32(hdr[4:8])

	if payloadLen > maxFrameBytes {
		return Entry{}, 0, fmt.Errorf("wal: frame length %d exceeds limit", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := w.file.ReadAt(payload, offset+8); err != nil {
		return Entry{}, 0, err
	}
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return Entry{}, 0, errors.New("wal: checksum mismatch")
	}

	if w.decoder != nil {
		decoded, err := w.decoder.DecodeAll(payload, nil)
		if err != nil {
			return Entry{}, 0, fmt.Errorf("wal: decompress entry: %w", err)
		}
		payload = decoded
	}

	entry, err := decodeEntryPayload(payload)
	if err != nil {
		return Entry{}, 0, err
	}
	return entry, 8 + int64(payloadLen), nil
}

func decodeEntryPayload(p []byte) (Entry, error) {
	var e Entry
	if len(p) < 11 {
		return e, errors.New("wal: entry too short")
	}
	e.Seq = binary.LittleEndian.Uint64(p[0:8])
	e.Op = OperationType(p[8])
	idLen := int(binary.LittleEndian.Uint16(p[9:11]))
	p = p[11:]

	if len(p) < idLen+4 {
		return e, errors.New("wal: entry truncated (id)")
	}
	e.ID = model.DocID(p[:idLen])
	p = p[idLen:]

	vecLen := int(binary.LittleEndian.Uint32(p[0:4]))
	p = p[4:]
	if len(p) < vecLen*4+4 {
		return e, errors.New("wal: entry truncated (vector)")
	}
	if vecLen > 0 {
		e.Vector = make([]float32, vecLen)
		for i := range e.Vector {
			e.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
		}
	}
	p = p[vecLen*4:]

	payloadLen := int(binary.LittleEndian.Uint32(p[0:4]))
	p = p[4:]
	if len(p) < payloadLen {
		return e, errors.New("wal: entry truncated (payload)")
	}
	if payloadLen > 0 {
		e.Payload = make([]byte, payloadLen)
		copy(e.Payload, p[:payloadLen])
	}
	return e, nil
}
