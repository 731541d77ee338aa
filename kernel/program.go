//go:build linux

// Package kernel is the in-kernel packet dispatcher: an SK_REUSEPORT
// BPF program plus the maps it reads.
//
// The program is assembled with cilium/ebpf/asm rather than compiled
// from C. One prologue reads the replica count, one epilogue calls
// bpf_sk_select_reuseport, and only the index computation between
// them differs per policy variant.
//
// Maps:
//
//	config    ARRAY               u32 -> u32  slot 0 holds the replica count, slot 1 the variant
//	counters  PERCPU_ARRAY        u32 -> u32  slot 0 is the per-CPU round-robin counter
//	sockets   REUSEPORT_SOCKARRAY u32 -> u64  worker index -> socket fd
package kernel

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/frobware/go-reuseport"
)

// Object names inside the collection.
const (
	ProgramName = "reuseport_select"
	ConfigMap   = "config"
	CounterMap  = "counters"
	SocketMap   = "sockets"
)

// SK_REUSEPORT return codes. SK_PASS with no successful selection lets
// the kernel fall back to its own hash-based pick.
const (
	skDrop = 0
	skPass = 1
)

// Config map slots.
const (
	configReplicas uint32 = iota
	configVariant
	configEntries
)

const (
	labelPass = "pass"

	// Stack slots.
	keyOffset   = -4 // u32 zero key for config and counters
	indexOffset = -8 // u32 chosen index passed to sk_select_reuseport
)

// Instructions returns the dispatcher program for variant v.
func Instructions(v reuseport.Variant) (asm.Instructions, error) {
	var selection asm.Instructions
	switch v {
	case reuseport.VariantRandom:
		selection = randomSelection()
	case reuseport.VariantRoundRobin:
		selection = roundRobinSelection()
	default:
		return nil, v.Validate()
	}

	insns := prologue()
	insns = append(insns, selection...)
	insns = append(insns, epilogue()...)
	return insns, nil
}

// prologue saves the context in R6 and loads the replica count into
// R7. A missing config slot or a zero count jumps to pass.
func prologue() asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.StoreImm(asm.RFP, keyOffset, 0, asm.Word),
		asm.LoadMapPtr(asm.R1, 0).WithReference(ConfigMap),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, keyOffset),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, labelPass),
		asm.LoadMem(asm.R7, asm.R0, 0, asm.Word),
		asm.JEq.Imm(asm.R7, 0, labelPass),
	}
}

// randomSelection leaves prandom() % replicas in R0.
func randomSelection() asm.Instructions {
	return asm.Instructions{
		asm.FnGetPrandomU32.Call(),
		asm.Mod.Reg32(asm.R0, asm.R7),
	}
}

// roundRobinSelection fetches and increments this CPU's counter and
// leaves old % replicas in R0. The program runs with preemption
// disabled, so the read-modify-write needs no atomics. 32-bit ALU ops
// make the counter wrap at 2^32.
func roundRobinSelection() asm.Instructions {
	return asm.Instructions{
		asm.LoadMapPtr(asm.R1, 0).WithReference(CounterMap),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, keyOffset),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, labelPass),
		asm.LoadMem(asm.R8, asm.R0, 0, asm.Word),
		asm.Mov.Reg32(asm.R9, asm.R8),
		asm.Add.Imm32(asm.R9, 1),
		asm.StoreMem(asm.R0, 0, asm.R9, asm.Word),
		asm.Mov.Reg32(asm.R0, asm.R8),
		asm.Mod.Reg32(asm.R0, asm.R7),
	}
}

// epilogue selects the socket at index R0. The helper's return value
// is ignored: on failure the kernel still delivers the packet through
// its default reuseport selection.
func epilogue() asm.Instructions {
	return asm.Instructions{
		asm.StoreMem(asm.RFP, indexOffset, asm.R0, asm.Word),
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapPtr(asm.R2, 0).WithReference(SocketMap),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, indexOffset),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnSkSelectReuseport.Call(),
		asm.Mov.Imm(asm.R0, skPass).WithSymbol(labelPass),
		asm.Return(),
	}
}

// NewCollectionSpec returns the program and map specs for variant v
// with a socket map of maxSlots entries.
func NewCollectionSpec(v reuseport.Variant, maxSlots uint32) (*ebpf.CollectionSpec, error) {
	if err := reuseport.CheckSlots(maxSlots); err != nil {
		return nil, err
	}
	insns, err := Instructions(v)
	if err != nil {
		return nil, err
	}

	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			ConfigMap: {
				Name:       ConfigMap,
				Type:       ebpf.Array,
				KeySize:    4,
				ValueSize:  4,
				MaxEntries: configEntries,
			},
			CounterMap: {
				Name:       CounterMap,
				Type:       ebpf.PerCPUArray,
				KeySize:    4,
				ValueSize:  4,
				MaxEntries: 1,
			},
			SocketMap: {
				Name:       SocketMap,
				Type:       ebpf.ReusePortSockArray,
				KeySize:    4,
				ValueSize:  8,
				MaxEntries: maxSlots,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			ProgramName: {
				Name:         ProgramName,
				Type:         ebpf.SkReuseport,
				AttachType:   ebpf.AttachSkReuseportSelect,
				Instructions: insns,
				License:      "Dual MIT/GPL",
			},
		},
	}, nil
}

// describe returns a short human name for a collection, used in errors.
func describe(v reuseport.Variant, maxSlots uint32) string {
	return fmt.Sprintf("%s dispatcher (%d slots)", v, maxSlots)
}
