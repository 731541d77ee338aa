package registry_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-reuseport"
	"github.com/frobware/go-reuseport/registry"
)

func TestNew_Capacity(t *testing.T) {
	r, err := registry.New(reuseport.MaxSlots)
	require.NoError(t, err)
	assert.Equal(t, uint32(256), r.Capacity())
	assert.Equal(t, uint32(0), r.Count())
	assert.Empty(t, r.Populated())

	_, err = registry.New(0)
	require.Error(t, err)
	_, err = registry.New(reuseport.MaxSlots + 1)
	require.Error(t, err)
}

func TestSetLookupRemove(t *testing.T) {
	r, err := registry.New(8)
	require.NoError(t, err)

	require.NoError(t, r.Set(0, 100))
	require.NoError(t, r.Set(1, 101))

	h, ok := r.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, uint64(101), h)

	_, ok = r.Lookup(2)
	assert.False(t, ok)
	_, ok = r.Lookup(1000)
	assert.False(t, ok)

	require.NoError(t, r.Remove(1))
	_, ok = r.Lookup(1)
	assert.False(t, ok)
	require.NoError(t, r.Remove(1), "removing an empty slot is fine")

	assert.Equal(t, []uint32{0}, r.Populated())
}

func TestBounds(t *testing.T) {
	r, err := registry.New(4)
	require.NoError(t, err)

	var slotErr reuseport.ErrSlotOutOfRange
	require.ErrorAs(t, r.Set(4, 1), &slotErr)
	assert.Equal(t, uint32(4), slotErr.Index)
	require.ErrorAs(t, r.Remove(9), &slotErr)

	var countErr reuseport.ErrReplicaCountOutOfRange
	require.ErrorAs(t, r.SetReplicaCount(5), &countErr)
	require.NoError(t, r.SetReplicaCount(4))
	assert.Equal(t, uint32(4), r.ReplicaCount())
}

func TestContiguous(t *testing.T) {
	r, err := registry.New(8)
	require.NoError(t, err)
	assert.True(t, r.Contiguous())

	require.NoError(t, r.Set(0, 10))
	require.NoError(t, r.Set(2, 12))
	require.NoError(t, r.SetReplicaCount(2))
	assert.False(t, r.Contiguous())

	require.NoError(t, r.Set(1, 11))
	require.NoError(t, r.SetReplicaCount(3))
	assert.True(t, r.Contiguous())

	r.Reset()
	assert.Equal(t, uint32(0), r.Count())
	assert.Empty(t, r.Populated())
}

func TestConcurrentReadersNeverSeeTornSlots(t *testing.T) {
	r, err := registry.New(reuseport.MaxSlots)
	require.NoError(t, err)

	var stop atomic.Bool
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				for i := range uint32(reuseport.MaxSlots) {
					if h, ok := r.Lookup(i); ok {
						// Every handle written below encodes its index.
						if h&0xff != uint64(i) {
							t.Errorf("slot %d holds handle %#x", i, h)
							return
						}
					}
				}
			}
		}()
	}

	for gen := range uint64(200) {
		for i := range uint32(reuseport.MaxSlots) {
			require.NoError(t, r.Set(i, gen<<8|uint64(i)))
		}
		for i := range uint32(reuseport.MaxSlots) {
			require.NoError(t, r.Remove(i))
		}
	}
	stop.Store(true)
	wg.Wait()
}

func TestSelector(t *testing.T) {
	r, err := registry.New(4)
	require.NoError(t, err)
	require.NoError(t, r.Set(0, 42))
	require.NoError(t, r.Set(1, 43))

	var delivered []uint64
	full := errors.New("queue full")
	sel := registry.NewSelector(r, registry.DelivererFunc(func(h uint64) error {
		if h == 43 {
			return full
		}
		delivered = append(delivered, h)
		return nil
	}))

	require.NoError(t, sel.SelectReuseport(0))
	assert.Equal(t, []uint64{42}, delivered)

	assert.Equal(t, full, sel.SelectReuseport(1))
	require.ErrorIs(t, sel.SelectReuseport(3), reuseport.ErrNoSocket)
	require.ErrorIs(t, sel.SelectReuseport(200), reuseport.ErrNoSocket)
}
