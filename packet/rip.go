package packet

import (
	"fmt"
	"net/netip"
)

type RIPEntry struct {
	Prefix netip.Prefix
	Metric int
}

type RIPUpdate struct {
	Entries []RIPEntry
}

func (u *RIPUpdate) Encode() []byte {
	w := newWriter(TypeRIPUpdate)
	w.u16(uint16(len(u.Entries)))
	for _, e := range u.Entries {
		w.prefix(e.Prefix)
		w.u8(uint8(e.Metric))
	}
	return w.finish()
}

func DecodeRIPUpdate(data []byte) (*RIPUpdate, error) {
	body, err := decodeHeader(TypeRIPUpdate, data)
	if err != nil {
		return nil, err
	}

	r := &reader{b: body}
	n := int(r.u16())

	u := &RIPUpdate{Entries: make([]RIPEntry, 0, n)}
	for i := 0; i < n && r.err == nil; i++ {
		p := r.prefix()
		m := int(r.u8())
		u.Entries = append(u.Entries, RIPEntry{Prefix: p, Metric: m})
	}

	if err := r.done(); err != nil {
		return nil, fmt.Errorf("rip: %w", err)
	}

	return u, nil
}
