//go:build linux

package kernel

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/frobware/go-reuseport"
)

// Map describes one dispatcher map as reported by the kernel.
type Map struct {
	ID         uint32 `json:"id"`
	Name       string `json:"name"`
	MapType    string `json:"map_type"`
	KeySize    uint32 `json:"key_size"`
	ValueSize  uint32 `json:"value_size"`
	MaxEntries uint32 `json:"max_entries"`
}

// Status is a point-in-time snapshot of a dispatcher's shared state.
type Status struct {
	Variant      reuseport.Variant `json:"variant"`
	ReplicaCount uint32            `json:"replica_count"`
	MaxSlots     uint32            `json:"max_slots"`
	Populated    []uint32          `json:"populated"`
	Counters     []uint32          `json:"counters"`
	Maps         []Map             `json:"maps"`
}

// Status reads a snapshot of the pinned dispatcher.
func (p *Pinned) Status() (Status, error) {
	var st Status
	var err error

	if st.Variant, err = readVariant(p.config); err != nil {
		return st, err
	}
	if st.ReplicaCount, err = p.ReplicaCount(); err != nil {
		return st, err
	}
	if st.Populated, err = p.Populated(); err != nil {
		return st, err
	}
	if st.Counters, err = p.Counters(); err != nil {
		return st, err
	}
	st.MaxSlots = p.MaxSlots()

	for _, m := range []*ebpf.Map{p.config, p.counters, p.sockets} {
		info, err := mapInfo(m)
		if err != nil {
			return st, err
		}
		st.Maps = append(st.Maps, info)
	}
	return st, nil
}

func readVariant(m *ebpf.Map) (reuseport.Variant, error) {
	var v uint32
	if err := m.Lookup(configVariant, &v); err != nil {
		return reuseport.VariantUnspecified, fmt.Errorf("read variant: %w", err)
	}
	return reuseport.Variant(v), nil
}

func mapInfo(m *ebpf.Map) (Map, error) {
	info, err := m.Info()
	if err != nil {
		return Map{}, fmt.Errorf("get map info: %w", err)
	}
	id, ok := info.ID()
	if !ok {
		return Map{}, errors.New("map ID not available from kernel")
	}
	return Map{
		ID:         uint32(id),
		Name:       info.Name,
		MapType:    info.Type.String(),
		KeySize:    info.KeySize,
		ValueSize:  info.ValueSize,
		MaxEntries: info.MaxEntries,
	}, nil
}
