package vectorstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/embedix/model"
)

const binaryFormatVersion = uint16(1)

// WriteTo serializes the store.
//
// Format:
//
//	[Version: 2] [Dim: 4] [Count: 4]
//	Count x { [IDLen: 2][ID] [PayloadLen: 4][Payload] }
//	[Slab: Count*Dim*4]
//	[DeletedLen: 4][Deleted roaring bytes]
func (s *Store) WriteTo(w io.Writer) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cw := &countingWriter{w: bufio.NewWriter(w)}
	bw := cw.w.(*bufio.Writer)

	if err := binary.Write(cw, binary.LittleEndian, binaryFormatVersion); err != nil {
		return cw.n, err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint32(s.dim)); err != nil {
		return cw.n, err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint32(len(s.ids))); err != nil {
		return cw.n, err
	}

	for i, id := range s.ids {
		if len(id) > math.MaxUint16 {
			return cw.n, fmt.Errorf("vectorstore: doc id too long: %d bytes", len(id))
		}
		if err := binary.Write(cw, binary.LittleEndian, uint16(len(id))); err != nil {
			return cw.n, err
		}
		if _, err := cw.Write([]byte(id)); err != nil {
			return cw.n, err
		}
		p := s.payloads[i]
		if err := binary.Write(cw, binary.LittleEndian, uint32(len(p))); err != nil {
			return cw.n, err
		}
		if _, err := cw.Write(p); err != nil {
			return cw.n, err
		}
	}

	var scratch [4]byte
	for _, f := range s.data {
		binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(f))
		if _, err := cw.Write(scratch[:]); err != nil {
			return cw.n, err
		}
	}

	delBytes, err := s.deleted.ToBytes()
	if err != nil {
		return cw.n, err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint32(len(delBytes))); err != nil {
		return cw.n, err
	}
	if _, err := cw.Write(delBytes); err != nil {
		return cw.n, err
	}

	return cw.n, bw.Flush()
}

// Read deserializes a store previously written with WriteTo.
func Read(r io.Reader) (*Store, error) {
	br := bufio.NewReader(r)

	var version uint16
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("vectorstore: read version: %w", err)
	}
	if version != binaryFormatVersion {
		return nil, fmt.Errorf("vectorstore: unsupported format version %d", version)
	}

	var dim, count uint32
	if err := binary.Read(br, binary.LittleEndian, &dim); err != nil {
		return nil, err
	}
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	if dim == 0 {
		return nil, fmt.Errorf("vectorstore: invalid dimension 0")
	}

	s := New(int(dim))
	s.ids = make([]model.DocID, count)
	s.payloads = make([][]byte, count)

	for i := uint32(0); i < count; i++ {
		var idLen uint16
		if err := binary.Read(br, binary.LittleEndian, &idLen); err != nil {
			return nil, err
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(br, idBytes); err != nil {
			return nil, err
		}
		s.ids[i] = model.DocID(idBytes)

		var pLen uint32
		if err := binary.Read(br, binary.LittleEndian, &pLen); err != nil {
			return nil, err
		}
		if pLen > 0 {
			p := make([]byte, pLen)
			if _, err := io.ReadFull(br, p); err != nil {
				return nil, err
			}
			s.payloads[i] = p
		}
	}

	slab := make([]byte, int(count)*int(dim)*4)
	if _, err := io.ReadFull(br, slab); err != nil {
		return nil, err
	}
	s.data = make([]float32, int(count)*int(dim))
	for i := range s.data {
		s.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(slab[i*4:]))
	}

	var delLen uint32
	if err := binary.Read(br, binary.LittleEndian, &delLen); err != nil {
		return nil, err
	}
	delBytes := make([]byte, delLen)
	if _, err := io.ReadFull(br, delBytes); err != nil {
		return nil, err
	}
	deleted := roaring.New()
	if err := deleted.UnmarshalBinary(delBytes); err != nil {
		return nil, fmt.Errorf("vectorstore: decode deleted bitmap: %w", err)
	}
	s.deleted = deleted

	return s, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
