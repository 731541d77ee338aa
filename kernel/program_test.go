//go:build linux

package kernel_test

import (
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-reuseport"
	"github.com/frobware/go-reuseport/kernel"
)

// inspect collects the helper calls and map references of a program.
func inspect(insns asm.Instructions) (calls []asm.BuiltinFunc, refs []string) {
	for _, ins := range insns {
		if ins.IsBuiltinCall() {
			calls = append(calls, asm.BuiltinFunc(ins.Constant))
		}
		if ins.IsLoadFromMap() {
			if ref := ins.Reference(); ref != "" {
				refs = append(refs, ref)
			}
		}
	}
	return calls, refs
}

func TestInstructions_Random(t *testing.T) {
	insns, err := kernel.Instructions(reuseport.VariantRandom)
	require.NoError(t, err)

	calls, refs := inspect(insns)
	assert.Equal(t, []asm.BuiltinFunc{
		asm.FnMapLookupElem,
		asm.FnGetPrandomU32,
		asm.FnSkSelectReuseport,
	}, calls)
	assert.Equal(t, []string{kernel.ConfigMap, kernel.SocketMap}, refs)
}

func TestInstructions_RoundRobin(t *testing.T) {
	insns, err := kernel.Instructions(reuseport.VariantRoundRobin)
	require.NoError(t, err)

	calls, refs := inspect(insns)
	assert.Equal(t, []asm.BuiltinFunc{
		asm.FnMapLookupElem,
		asm.FnMapLookupElem,
		asm.FnSkSelectReuseport,
	}, calls)
	assert.Equal(t, []string{kernel.ConfigMap, kernel.CounterMap, kernel.SocketMap}, refs)
}

func TestInstructions_SharedEpilogue(t *testing.T) {
	random, err := kernel.Instructions(reuseport.VariantRandom)
	require.NoError(t, err)
	rr, err := kernel.Instructions(reuseport.VariantRoundRobin)
	require.NoError(t, err)

	// Both variants end with the same select-and-pass tail.
	const tail = 9
	require.Greater(t, len(random), tail)
	require.Greater(t, len(rr), tail)
	assert.Equal(t, random[len(random)-tail:].String(), rr[len(rr)-tail:].String())

	last := rr[len(rr)-1]
	assert.Equal(t, asm.Exit, last.OpCode.JumpOp())
}

func TestInstructions_PassLabelResolves(t *testing.T) {
	for _, v := range []reuseport.Variant{reuseport.VariantRandom, reuseport.VariantRoundRobin} {
		t.Run(v.String(), func(t *testing.T) {
			insns, err := kernel.Instructions(v)
			require.NoError(t, err)

			symbols := 0
			for _, ins := range insns {
				if ins.Symbol() == "pass" {
					symbols++
				}
			}
			require.Equal(t, 1, symbols)

			jumps := 0
			for _, ins := range insns {
				if ins.OpCode.JumpOp() == asm.JEq && ins.Reference() == "pass" {
					jumps++
				}
			}
			assert.GreaterOrEqual(t, jumps, 2)
		})
	}
}

func TestInstructions_UnknownVariant(t *testing.T) {
	_, err := kernel.Instructions(reuseport.VariantUnspecified)
	require.Error(t, err)
}

func TestNewCollectionSpec(t *testing.T) {
	spec, err := kernel.NewCollectionSpec(reuseport.VariantRoundRobin, 16)
	require.NoError(t, err)

	prog := spec.Programs[kernel.ProgramName]
	require.NotNil(t, prog)
	assert.Equal(t, ebpf.SkReuseport, prog.Type)
	assert.Equal(t, ebpf.AttachSkReuseportSelect, prog.AttachType)

	sockets := spec.Maps[kernel.SocketMap]
	require.NotNil(t, sockets)
	assert.Equal(t, ebpf.ReusePortSockArray, sockets.Type)
	assert.Equal(t, uint32(16), sockets.MaxEntries)
	assert.Equal(t, uint32(8), sockets.ValueSize)

	counters := spec.Maps[kernel.CounterMap]
	require.NotNil(t, counters)
	assert.Equal(t, ebpf.PerCPUArray, counters.Type)
	assert.Equal(t, uint32(4), counters.ValueSize)

	_, err = kernel.NewCollectionSpec(reuseport.VariantRandom, 0)
	require.Error(t, err)
	_, err = kernel.NewCollectionSpec(reuseport.VariantRandom, 257)
	require.Error(t, err)
}
