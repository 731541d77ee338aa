package dispatcher_test

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-reuseport"
	"github.com/frobware/go-reuseport/dispatcher"
	"github.com/frobware/go-reuseport/policy"
	"github.com/frobware/go-reuseport/registry"
)

// fixedReplicas is a ReplicaSource with a settable count.
type fixedReplicas struct {
	n atomic.Uint32
}

func (f *fixedReplicas) ReplicaCount() uint32 { return f.n.Load() }

// recordingSelector records every index it is asked to select and
// fails for indices listed in reject.
type recordingSelector struct {
	calls  []uint32
	reject map[uint32]bool
}

func (s *recordingSelector) SelectReuseport(index uint32) error {
	s.calls = append(s.calls, index)
	if s.reject[index] {
		return reuseport.ErrNoSocket
	}
	return nil
}

func newDispatcher(t *testing.T, v reuseport.Variant, n uint32, sel dispatcher.Selector) (*dispatcher.Dispatcher, *fixedReplicas) {
	t.Helper()
	p, err := policy.New(v)
	require.NoError(t, err)
	replicas := &fixedReplicas{}
	replicas.n.Store(n)
	d, err := dispatcher.New(replicas, p, sel)
	require.NoError(t, err)
	return d, replicas
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := dispatcher.New(nil, policy.Random{}, &recordingSelector{})
	require.Error(t, err)
	_, err = dispatcher.New(&fixedReplicas{}, nil, &recordingSelector{})
	require.Error(t, err)
	_, err = dispatcher.New(&fixedReplicas{}, policy.Random{}, nil)
	require.Error(t, err)
}

func TestDispatch_ZeroReplicasPassThrough(t *testing.T) {
	for _, v := range []reuseport.Variant{reuseport.VariantRandom, reuseport.VariantRoundRobin} {
		t.Run(v.String(), func(t *testing.T) {
			sel := &recordingSelector{}
			d, _ := newDispatcher(t, v, 0, sel)

			res := d.Dispatch(&reuseport.PacketContext{Len: 64}, policy.NewUnit(0))
			assert.Equal(t, reuseport.VerdictPassThrough, res.Verdict)
			assert.Empty(t, sel.calls, "no selection may be attempted")
		})
	}
}

func TestDispatch_RoundRobinFourReplicas(t *testing.T) {
	sel := &recordingSelector{}
	d, _ := newDispatcher(t, reuseport.VariantRoundRobin, 4, sel)
	u := policy.NewUnit(0)

	for range 5 {
		res := d.Dispatch(nil, u)
		require.Equal(t, reuseport.VerdictSelected, res.Verdict)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 0}, sel.calls)
}

func TestDispatch_SingleReplica(t *testing.T) {
	for _, v := range []reuseport.Variant{reuseport.VariantRandom, reuseport.VariantRoundRobin} {
		t.Run(v.String(), func(t *testing.T) {
			sel := &recordingSelector{}
			d, _ := newDispatcher(t, v, 1, sel)
			u := policy.NewUnit(0)
			for range 100 {
				res := d.Dispatch(nil, u)
				require.Equal(t, reuseport.VerdictSelected, res.Verdict)
				require.Equal(t, uint32(0), res.Index)
			}
		})
	}
}

func TestDispatch_MissingCounterPassThrough(t *testing.T) {
	sel := &recordingSelector{}
	d, _ := newDispatcher(t, reuseport.VariantRoundRobin, 3, sel)

	res := d.Dispatch(nil, policy.NewUnitWithoutCounter(1))
	assert.Equal(t, reuseport.VerdictPassThrough, res.Verdict)
	assert.Empty(t, sel.calls)
}

func TestDispatch_SelectFailureIsAbsorbed(t *testing.T) {
	sel := &recordingSelector{reject: map[uint32]bool{1: true}}
	d, _ := newDispatcher(t, reuseport.VariantRoundRobin, 3, sel)
	u := policy.NewUnit(0)

	var verdicts []reuseport.Verdict
	for range 3 {
		verdicts = append(verdicts, d.Dispatch(nil, u).Verdict)
	}
	assert.Equal(t, []reuseport.Verdict{
		reuseport.VerdictSelected,
		reuseport.VerdictSelectFailed,
		reuseport.VerdictSelected,
	}, verdicts)
}

func TestDispatch_ScaleDown(t *testing.T) {
	reg, err := registry.New(reuseport.MaxSlots)
	require.NoError(t, err)
	for i := range uint32(5) {
		require.NoError(t, reg.Set(i, uint64(100+i)))
	}
	require.NoError(t, reg.SetReplicaCount(5))

	var delivered []uint64
	sel := registry.NewSelector(reg, registry.DelivererFunc(func(h uint64) error {
		delivered = append(delivered, h)
		return nil
	}))
	p, err := policy.New(reuseport.VariantRoundRobin)
	require.NoError(t, err)
	d, err := dispatcher.New(reg, p, sel)
	require.NoError(t, err)
	u := policy.NewUnit(0)

	// Advance the counter so the next selection would be index 3.
	for range 3 {
		require.Equal(t, reuseport.VerdictSelected, d.Dispatch(nil, u).Verdict)
	}

	// A selection for index 3 is in flight while the control plane
	// shrinks the group to three and drops slots 3 and 4.
	require.NoError(t, reg.SetReplicaCount(3))
	require.NoError(t, reg.Remove(3))
	require.NoError(t, reg.Remove(4))
	assert.ErrorIs(t, sel.SelectReuseport(3), reuseport.ErrNoSocket)
	assert.ErrorIs(t, sel.SelectReuseport(4), reuseport.ErrNoSocket)

	for range 100 {
		res := d.Dispatch(nil, u)
		require.Equal(t, reuseport.VerdictSelected, res.Verdict)
		require.Less(t, res.Index, uint32(3))
	}
	for _, h := range delivered {
		assert.Less(t, h, uint64(105))
	}
}

func TestDispatch_RandomDistribution(t *testing.T) {
	const (
		replicas = 6
		samples  = 300_000
	)
	counts := make([]int, replicas)
	sel := countingSelector(counts)
	d, _ := newDispatcher(t, reuseport.VariantRandom, replicas, sel)
	u := policy.NewUnit(0)

	for range samples {
		require.Equal(t, reuseport.VerdictSelected, d.Dispatch(nil, u).Verdict)
	}
	want := float64(samples) / replicas
	for i, c := range counts {
		assert.InDelta(t, want, float64(c), want*0.05, "index %d", i)
	}
}

type countingSelector []int

func (c countingSelector) SelectReuseport(index uint32) error {
	c[index]++
	return nil
}

func TestDispatch_DoesNotAllocate(t *testing.T) {
	for _, v := range []reuseport.Variant{reuseport.VariantRandom, reuseport.VariantRoundRobin} {
		counts := make(countingSelector, 16)
		d, _ := newDispatcher(t, v, 16, counts)
		u := policy.NewUnit(0)
		pkt := &reuseport.PacketContext{Len: 128, EthProtocol: reuseport.EthProtocolIPv4, IPProtocol: reuseport.IPProtocolUDP}

		allocs := testing.AllocsPerRun(1000, func() {
			d.Dispatch(pkt, u)
		})
		assert.Zero(t, allocs, v.String())
	}
}

func TestDispatch_FailedSelectionDoesNotAllocate(t *testing.T) {
	reg, err := registry.New(4)
	require.NoError(t, err)
	for i := range uint32(4) {
		require.NoError(t, reg.Set(i, uint64(100+i)))
	}
	require.NoError(t, reg.SetReplicaCount(4))

	full := errors.New("queue full")
	sel := registry.NewSelector(reg, registry.DelivererFunc(func(uint64) error { return full }))
	d, err := dispatcher.New(reg, policy.RoundRobin{}, sel)
	require.NoError(t, err)

	u := policy.NewUnit(0)
	pkt := &reuseport.PacketContext{Len: 128, EthProtocol: reuseport.EthProtocolIPv4, IPProtocol: reuseport.IPProtocolUDP}
	assert.Equal(t, reuseport.VerdictSelectFailed, d.Dispatch(pkt, u).Verdict)

	allocs := testing.AllocsPerRun(1000, func() {
		d.Dispatch(pkt, u)
	})
	assert.Zero(t, allocs)
}
