package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

var ErrMalformed = errors.New("malformed payload")

const (
	codecVersion = 1
	headerLen    = 6
)

func checksum(data ...[]byte) uint16 {
	var sum uint32
	for _, d := range data {
		l := len(d)
		for i := 0; i < l; i += 2 {
			if i+1 < l {
				sum += uint32(d[i])<<8 | uint32(d[i+1])
			} else {
				sum += uint32(d[i]) << 8
			}
		}
	}

	sum = (sum >> 16) + (sum & 0xffff)
	sum += sum >> 16

	return ^uint16(sum)
}

// Every binary control payload starts with a 6 byte header:
//
//	version(1) type(1) length(2) checksum(2)
//
// The checksum covers the whole payload with the checksum field zeroed.
type header struct {
	typ    Type
	length uint16
}

func (h header) encodeTo(data []byte) {
	data[0] = codecVersion
	data[1] = uint8(h.typ)
	binary.BigEndian.PutUint16(data[2:4], h.length)
	// data[4:6] is filled in by seal.
}

func seal(data []byte) []byte {
	binary.BigEndian.PutUint16(data[4:6], 0)
	binary.BigEndian.PutUint16(data[4:6], checksum(data))
	return data
}

func decodeHeader(want Type, data []byte) ([]byte, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("%w: %s payload too short", ErrMalformed, want)
	}
	if data[0] != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, data[0])
	}
	if Type(data[1]) != want {
		return nil, fmt.Errorf("%w: expected %s payload, got %s", ErrMalformed, want, Type(data[1]))
	}
	if int(binary.BigEndian.Uint16(data[2:4])) != len(data) {
		return nil, fmt.Errorf("%w: %s length mismatch", ErrMalformed, want)
	}
	if checksum(data) != 0 {
		return nil, fmt.Errorf("%w: %s checksum mismatch", ErrMalformed, want)
	}

	return data[headerLen:], nil
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = fmt.Errorf("%w: truncated", ErrMalformed)
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) addr() netip.Addr {
	b := r.take(4)
	if b == nil {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte(b))
}

func (r *reader) prefix() netip.Prefix {
	a := r.addr()
	bits := int(r.u8())
	if r.err != nil {
		return netip.Prefix{}
	}
	if bits > 32 {
		r.err = fmt.Errorf("%w: prefix length %d", ErrMalformed, bits)
		return netip.Prefix{}
	}
	return netip.PrefixFrom(a, bits)
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if len(r.b) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.b))
	}
	return nil
}

type writer struct {
	b []byte
}

func newWriter(t Type) *writer {
	w := &writer{b: make([]byte, headerLen, 64)}
	w.b[1] = uint8(t)
	return w
}

func (w *writer) u8(v uint8)   { w.b = append(w.b, v) }
func (w *writer) u16(v uint16) { w.b = binary.BigEndian.AppendUint16(w.b, v) }
func (w *writer) u32(v uint32) { w.b = binary.BigEndian.AppendUint32(w.b, v) }

func (w *writer) addr(a netip.Addr) {
	var b [4]byte
	if a.Is4() {
		b = a.As4()
	}
	w.b = append(w.b, b[:]...)
}

func (w *writer) prefix(p netip.Prefix) {
	w.addr(p.Addr())
	w.u8(uint8(p.Bits()))
}

func (w *writer) finish() []byte {
	header{typ: Type(w.b[1]), length: uint16(len(w.b))}.encodeTo(w.b)
	return seal(w.b)
}
