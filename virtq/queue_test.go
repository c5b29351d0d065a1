package virtq_test

import (
	"io"
	"os"
	"testing"

	"github.com/hostvm/virtio/gpa"
	"github.com/hostvm/virtio/internal/logging"
	"github.com/hostvm/virtio/virtq"
	"github.com/hostvm/virtio/virtq/vqtest"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// storeChain stores n linked descriptors starting at table index start.
func storeChain(b *vqtest.Bench, start, n uint16) {
	for i := uint16(0); i < n; i++ {
		flags := uint16(0)
		next := uint16(0)

		if i < n-1 {
			flags = virtq.DescFNext
			next = start + i + 1
		}

		b.StoreDesc(start+i, virtq.NewSplitDesc(0x4000+uint64(start+i)*0x100, 0x100, flags, next))
	}
}

func TestQueueConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		q := virtq.New(256)
		require.Equal(t, uint16(256), q.MaxSize())
		require.Equal(t, uint16(256), q.Size())
		require.False(t, q.Ready())
		require.False(t, q.EventIdxEnabled())
	})

	t.Run("set size", func(t *testing.T) {
		q := virtq.New(256)

		q.SetSize(32)
		require.Equal(t, uint16(32), q.Size())

		// rejected: zero, above the ceiling, not a power of two
		for _, bad := range []uint16{0, 512, 48} {
			q.SetSize(bad)
			require.Equal(t, uint16(32), q.Size(), "size %d", bad)
		}
	})

	t.Run("ring addresses check alignment", func(t *testing.T) {
		q := virtq.New(256)

		q.SetDescTableAddr(0x1000)
		q.SetDescTableAddr(0x1008) // not 16-byte aligned
		require.Equal(t, gpa.Addr(0x1000), q.DescTableAddr())

		q.SetAvailRingAddr(0x2002)
		q.SetAvailRingAddr(0x2001) // not 2-byte aligned
		require.Equal(t, gpa.Addr(0x2002), q.AvailRingAddr())

		q.SetUsedRingAddr(0x3004)
		q.SetUsedRingAddr(0x3002) // not 4-byte aligned
		require.Equal(t, gpa.Addr(0x3004), q.UsedRingAddr())
	})

	t.Run("half setters merge", func(t *testing.T) {
		q := virtq.New(256)

		q.SetDescTableAddrLow(0x1000)
		q.SetDescTableAddrHigh(0x1)
		require.Equal(t, gpa.Addr(0x1_0000_1000), q.DescTableAddr())

		q.SetDescTableAddrLow(0x2000)
		require.Equal(t, gpa.Addr(0x1_0000_2000), q.DescTableAddr())

		// a misaligned half is rejected without clobbering the address
		q.SetDescTableAddrLow(0x2008)
		require.Equal(t, gpa.Addr(0x1_0000_2000), q.DescTableAddr())
	})

	t.Run("reset", func(t *testing.T) {
		q := virtq.New(256)
		q.SetSize(32)
		q.SetDescTableAddr(0x1000)
		q.SetReady(true)
		q.SetEventIdx(true)
		q.SetNextAvail(7)
		q.SetNextUsed(7)

		q.Reset()

		require.Equal(t, uint16(256), q.MaxSize())
		require.Equal(t, uint16(256), q.Size())
		require.Equal(t, gpa.Addr(0), q.DescTableAddr())
		require.False(t, q.Ready())
		require.False(t, q.EventIdxEnabled())
		require.Equal(t, uint16(0), q.NextAvail())
		require.Equal(t, uint16(0), q.NextUsed())
	})
}

func TestQueueIsValid(t *testing.T) {
	b := vqtest.New(16)

	t.Run("configured bench queue", func(t *testing.T) {
		require.True(t, b.NewQueue().IsValid(b.Mem))
	})

	t.Run("not ready", func(t *testing.T) {
		q := b.NewQueue()
		q.SetReady(false)
		require.False(t, q.IsValid(b.Mem))
	})

	t.Run("ring runs past the end of memory", func(t *testing.T) {
		q := b.NewQueue()
		q.SetUsedRingAddr(gpa.Addr(b.Mem.Size() - 8))
		require.False(t, q.IsValid(b.Mem))
	})

	t.Run("ring end overflows", func(t *testing.T) {
		q := b.NewQueue()
		q.SetDescTableAddr(gpa.Addr(uint64(1<<64 - 16)))
		require.False(t, q.IsValid(b.Mem))
	})
}

func TestAddUsed(t *testing.T) {
	b := vqtest.New(16)
	q := b.NewQueue()

	t.Run("out of bounds head", func(t *testing.T) {
		err := q.AddUsed(b.Mem, 16, 0x1000)
		require.ErrorIs(t, err, virtq.ErrInvalidDescriptorIndex)
		require.Equal(t, uint16(0), b.UsedIdx())
	})

	t.Run("valid head", func(t *testing.T) {
		require.NoError(t, q.AddUsed(b.Mem, 3, 0x1000))

		id, length := b.UsedElem(0)
		require.Equal(t, uint32(3), id)
		require.Equal(t, uint32(0x1000), length)
		require.Equal(t, uint16(1), b.UsedIdx())
		require.Equal(t, uint16(1), q.NextUsed())
	})
}

func TestConsumeChains(t *testing.T) {
	b := vqtest.New(16)
	q := b.NewQueue()

	// five chains: (0 1) (2 3 4) (5 6) (7 8) (9 10 11 12)
	heads := []uint16{0, 2, 5, 7, 9}
	lens := []uint16{2, 3, 2, 2, 4}

	for i, h := range heads {
		storeChain(b, h, lens[i])
		b.SetAvailEntry(uint16(i), h)
	}

	consume := func(want []uint16, wantDescs []uint16) {
		t.Helper()

		it, err := q.Iter(b.Mem)
		require.NoError(t, err)

		for i, wantHead := range want {
			c, err := it.Next()
			require.NoError(t, err)
			require.NotNil(t, c)
			require.Equal(t, wantHead, c.HeadIndex())

			dd, err := collect(c)
			require.NoError(t, err)
			require.Len(t, dd, int(wantDescs[i]))

			require.NoError(t, q.AddUsed(b.Mem, c.HeadIndex(), 0x100))
		}

		c, err := it.Next()
		require.NoError(t, err)
		require.Nil(t, c)
	}

	// the driver publishes two chains, then three more
	b.SetAvailIdx(2)
	consume(heads[:2], lens[:2])

	b.SetAvailIdx(5)
	consume(heads[2:], lens[2:])

	require.Equal(t, uint16(5), b.UsedIdx())

	for i, h := range heads {
		id, length := b.UsedElem(uint16(i))
		require.Equal(t, uint32(h), id)
		require.Equal(t, uint32(0x100), length)
	}
}

func TestAvailCursorWraps(t *testing.T) {
	b := vqtest.New(4)
	q := b.NewQueue()

	for i := uint16(0); i < 4; i++ {
		storeChain(b, i, 1)
	}

	// the cursor is about to cross the 16-bit wrap
	q.SetNextAvail(0xfffe)
	q.SetNextUsed(0xfffe)

	b.SetAvailEntry(0xfffe%4, 2)
	b.SetAvailEntry(0xffff%4, 3)
	b.SetAvailEntry(0, 1)
	b.SetAvailIdx(1)

	it, err := q.Iter(b.Mem)
	require.NoError(t, err)

	for _, want := range []uint16{2, 3, 1} {
		c, err := it.Next()
		require.NoError(t, err)
		require.NotNil(t, c)
		require.Equal(t, want, c.HeadIndex())
		require.NoError(t, q.AddUsed(b.Mem, c.HeadIndex(), 1))
	}

	c, err := it.Next()
	require.NoError(t, err)
	require.Nil(t, c)

	require.Equal(t, uint16(1), q.NextAvail())
	require.Equal(t, uint16(1), b.UsedIdx())
}

func TestAvailIdxMovedBackwards(t *testing.T) {
	b := vqtest.New(8)
	q := b.NewQueue()

	storeChain(b, 0, 1)
	b.SetAvailEntry(0, 0)
	b.SetAvailIdx(1)

	it, err := q.Iter(b.Mem)
	require.NoError(t, err)

	c, err := it.Next()
	require.NoError(t, err)
	require.NotNil(t, c)

	// the driver decrements idx, which the protocol forbids
	b.SetAvailIdx(0)

	it, err = q.Iter(b.Mem)
	require.NoError(t, err)

	c, err = it.Next()
	require.NoError(t, err)
	require.Nil(t, c)

	// same if idx leaps further than the ring could hold
	b.SetAvailIdx(q.NextAvail() + 9)

	it, err = q.Iter(b.Mem)
	require.NoError(t, err)

	c, err = it.Next()
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestGoToPreviousPosition(t *testing.T) {
	b := vqtest.New(8)
	q := b.NewQueue()

	storeChain(b, 5, 1)
	b.SetAvailEntry(0, 5)
	b.SetAvailIdx(1)

	it, err := q.Iter(b.Mem)
	require.NoError(t, err)

	c, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, uint16(5), c.HeadIndex())

	q.GoToPreviousPosition()

	it, err = q.Iter(b.Mem)
	require.NoError(t, err)

	c, err = it.Next()
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, uint16(5), c.HeadIndex())
}

func TestNotificationFlags(t *testing.T) {
	b := vqtest.New(8)
	q := b.NewQueue()

	require.NoError(t, q.DisableNotification(b.Mem))
	require.Equal(t, uint16(virtq.UsedFNoNotify), b.UsedFlags())

	// without the event index there is no suppression on the device side
	need, err := q.NeedsNotification(b.Mem)
	require.NoError(t, err)
	require.True(t, need)

	more, err := q.EnableNotification(b.Mem)
	require.NoError(t, err)
	require.False(t, more)
	require.Equal(t, uint16(0), b.UsedFlags())

	// entries published while notifications were off force another pass
	b.SetAvailIdx(1)

	more, err = q.EnableNotification(b.Mem)
	require.NoError(t, err)
	require.True(t, more)
}

func TestNotificationEventIdx(t *testing.T) {
	t.Run("enable publishes the avail event", func(t *testing.T) {
		b := vqtest.New(8)
		q := b.NewQueue()
		q.SetEventIdx(true)

		// disable writes nothing: suppression is implicit
		require.NoError(t, q.DisableNotification(b.Mem))
		require.Equal(t, uint16(0), b.UsedFlags())

		q.SetNextAvail(7)

		more, err := q.EnableNotification(b.Mem)
		require.NoError(t, err)
		require.Equal(t, uint16(7), b.AvailEvent())

		// avail idx (0) != nextAvail (7) reads as new entries
		require.True(t, more)

		b.SetAvailIdx(7)

		more, err = q.EnableNotification(b.Mem)
		require.NoError(t, err)
		require.False(t, more)
	})

	t.Run("used event threshold", func(t *testing.T) {
		b := vqtest.New(16)
		q := b.NewQueue()
		q.SetEventIdx(true)

		check := func(want bool) {
			t.Helper()
			need, err := q.NeedsNotification(b.Mem)
			require.NoError(t, err)
			require.Equal(t, want, need)
		}

		// the driver wants a notification when the used idx moves past 5
		b.SetUsedEvent(5)

		for head := uint16(0); head < 5; head++ {
			require.NoError(t, q.AddUsed(b.Mem, head, 0))
		}

		check(false) // batch [0, 5) misses 5

		require.NoError(t, q.AddUsed(b.Mem, 5, 0))
		check(true) // batch [5, 6) covers 5

		b.SetUsedEvent(9)

		for head := uint16(6); head < 9; head++ {
			require.NoError(t, q.AddUsed(b.Mem, head, 0))
		}

		check(false) // batch [6, 9) misses 9

		require.NoError(t, q.AddUsed(b.Mem, 9, 0))
		check(true) // batch [9, 10) covers 9
	})

	t.Run("used event sweep", func(t *testing.T) {
		b := vqtest.New(16)
		q := b.NewQueue()
		q.SetEventIdx(true)

		b.SetUsedEvent(4)

		// Walk next_used across the full 16-bit range and back past the
		// wrap, one element at a time. The threshold fires exactly once
		// per lap, when the used idx moves past the event index.
		const wrap = 1 << 16

		for i := uint32(0); i < wrap+12; i++ {
			q.SetNextUsed(uint16(i) - 1)
			require.NoError(t, q.AddUsed(b.Mem, 0, 0))

			need, err := q.NeedsNotification(b.Mem)
			require.NoError(t, err)

			want := i == 5 || i == 5+wrap
			require.Equal(t, want, need, "next_used %d", i)
		}
	})

	t.Run("used event threshold across the wrap", func(t *testing.T) {
		b := vqtest.New(16)
		q := b.NewQueue()
		q.SetEventIdx(true)

		q.SetNextUsed(0xfffe)
		b.SetUsedEvent(0xffff)

		require.NoError(t, q.AddUsed(b.Mem, 0, 0))
		require.NoError(t, q.AddUsed(b.Mem, 1, 0))

		// batch (0xfffe, 0x0000] covers 0xffff
		need, err := q.NeedsNotification(b.Mem)
		require.NoError(t, err)
		require.True(t, need)
	})

	t.Run("threshold not reached across the wrap", func(t *testing.T) {
		b := vqtest.New(16)
		q := b.NewQueue()
		q.SetEventIdx(true)

		q.SetNextUsed(0xfffe)
		b.SetUsedEvent(1)

		require.NoError(t, q.AddUsed(b.Mem, 0, 0))
		require.NoError(t, q.AddUsed(b.Mem, 1, 0))

		need, err := q.NeedsNotification(b.Mem)
		require.NoError(t, err)
		require.False(t, need)
	})
}
