package freelist

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func addr(b []byte) uintptr { return uintptr(unsafe.Pointer(unsafe.SliceData(b))) }

func TestAllocStopsAtMaxCount(t *testing.T) {
	fl, err := New[struct{}](Config{Name: "max", EntrySize: 1, InitialCount: 16, MaxCount: 8})
	require.NoError(t, err)
	defer fl.Close()

	for i := 0; i < 8; i++ {
		_, err := fl.Alloc()
		require.NoErrorf(t, err, "alloc %d", i)
	}
	_, err = fl.Alloc()
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestGrowthCappedByMaxCount(t *testing.T) {
	fl, err := New[struct{}](Config{Name: "grow", EntrySize: 1, InitialCount: 8, IncreaseCount: 8, MaxCount: 16})
	require.NoError(t, err)
	defer fl.Close()

	for i := 0; i < 16; i++ {
		_, err := fl.Alloc()
		require.NoErrorf(t, err, "alloc %d", i)
	}
	_, err = fl.Alloc()
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.Equal(t, 16, fl.Allocated())
}

func TestUnlimitedPool(t *testing.T) {
	fl, err := New[struct{}](Config{Name: "unlimited", EntrySize: 1, InitialCount: 8, IncreaseCount: 8})
	require.NoError(t, err)
	defer fl.Close()

	for i := 0; i < 32; i++ {
		_, err := fl.Alloc()
		require.NoErrorf(t, err, "alloc %d", i)
	}
	require.Equal(t, 32, fl.InUse())
}

func TestFreeAllowsReuseUpToMax(t *testing.T) {
	fl, err := New[struct{}](Config{Name: "reuse", EntrySize: 1, InitialCount: 8, IncreaseCount: 8, MaxCount: 16})
	require.NoError(t, err)
	defer fl.Close()

	for i := 0; i < 32; i++ {
		e, err := fl.Alloc()
		require.NoErrorf(t, err, "alloc %d", i)
		fl.Free(e)
	}

	held := make([]*Elem[struct{}], 0, 16)
	for i := 0; i < 16; i++ {
		e, err := fl.Alloc()
		require.NoError(t, err)
		held = append(held, e)
	}
	_, err = fl.Alloc()
	require.ErrorIs(t, err, ErrPoolExhausted)
	for _, e := range held {
		fl.Free(e)
	}
	for i := 0; i < 16; i++ {
		_, err := fl.Alloc()
		require.NoError(t, err)
	}
}

func TestEntrySpacing(t *testing.T) {
	for _, redzone := range []int{0, 16} {
		fl, err := New[struct{}](Config{Name: "spacing", EntrySize: 1024, InitialCount: 16, IncreaseCount: 16, Redzone: redzone})
		require.NoError(t, err)

		stride := uintptr(1024 + redzone)
		require.Equal(t, int(stride), fl.EntrySize())

		prev, err := fl.Alloc()
		require.NoError(t, err)
		require.Len(t, prev.Bytes(), 1024)
		for i := 0; i < 3; i++ {
			cur, err := fl.Alloc()
			require.NoError(t, err)
			require.Equal(t, stride, addr(prev.Bytes())-addr(cur.Bytes()), "entries must be packed back to back")
			prev = cur
		}
		require.NoError(t, fl.Close())
	}
}

func TestEntriesAreAligned(t *testing.T) {
	fl, err := New[struct{}](Config{Name: "aligned", EntrySize: 100, InitialCount: 8, Alignment: 128})
	require.NoError(t, err)
	defer fl.Close()

	require.Equal(t, 128, fl.EntrySize())
	for i := 0; i < 8; i++ {
		e, err := fl.Alloc()
		require.NoError(t, err)
		require.Zero(t, addr(e.Bytes())%128)
	}
}

type regRecorder struct {
	registered   []int
	deregistered []any
	handle       int
}

func (r *regRecorder) register(block []byte) (any, error) {
	r.registered = append(r.registered, len(block))
	r.handle++
	return r.handle, nil
}

func (r *regRecorder) deregister(h any) error {
	r.deregistered = append(r.deregistered, h)
	return nil
}

func TestRegistrationPerBlock(t *testing.T) {
	rec := &regRecorder{}
	fl, err := New[struct{}](Config{
		Name:          "reg",
		EntrySize:     1024,
		InitialCount:  8,
		IncreaseCount: 8,
		Register:      rec.register,
		Deregister:    rec.deregister,
	})
	require.NoError(t, err)

	page := PageSize()
	require.Len(t, rec.registered, 1)
	require.Zero(t, rec.registered[0]%page)

	perBlock := fl.Allocated()
	for i := 0; i < perBlock; i++ {
		e, err := fl.Alloc()
		require.NoError(t, err)
		require.Equal(t, 1, e.Handle())
		require.Zero(t, addr(e.Bytes())%uintptr(8))
	}
	e, err := fl.Alloc()
	require.NoError(t, err)
	require.Equal(t, 2, e.Handle())
	require.Len(t, rec.registered, 2)

	require.NoError(t, fl.Close())
	require.ElementsMatch(t, []any{1, 2}, rec.deregistered)
}

func TestRegistrationFailureKeepsExistingEntries(t *testing.T) {
	calls := 0
	fl, err := New[int](Config{
		Name:         "regfail",
		EntrySize:    4096,
		InitialCount: 1,
		Register: func(block []byte) (any, error) {
			calls++
			if calls > 1 {
				return nil, errors.New("no more keys")
			}
			return "h", nil
		},
	})
	require.NoError(t, err)
	defer fl.Close()

	e, err := fl.Alloc()
	require.NoError(t, err)
	e.Value = 42
	e.Bytes()[0] = 7
	before := fl.Allocated()

	err = fl.Add(1)
	require.Error(t, err)
	require.Equal(t, before, fl.Allocated())
	require.Equal(t, 42, e.Value)
	require.Equal(t, byte(7), e.Bytes()[0])
}

func TestValueOnlyPool(t *testing.T) {
	type plan struct{ n int }
	fl, err := New[plan](Config{Name: "values", InitialCount: 4, IncreaseCount: 4})
	require.NoError(t, err)
	defer fl.Close()

	require.Equal(t, 4, fl.Allocated())
	e, err := fl.Alloc()
	require.NoError(t, err)
	require.Nil(t, e.Bytes())
	e.Value.n = 3
	fl.Free(e)

	again, err := fl.Alloc()
	require.NoError(t, err)
	require.Same(t, e, again)
	require.Equal(t, 3, again.Value.n)
}

func TestDoubleFreePanics(t *testing.T) {
	fl, err := New[struct{}](Config{Name: "double", EntrySize: 8, InitialCount: 1})
	require.NoError(t, err)
	defer fl.Close()

	e, err := fl.Alloc()
	require.NoError(t, err)
	fl.Free(e)
	require.Panics(t, func() { fl.Free(e) })

	other, err := New[struct{}](Config{Name: "other", EntrySize: 8, InitialCount: 1})
	require.NoError(t, err)
	defer other.Close()
	oe, err := other.Alloc()
	require.NoError(t, err)
	require.Panics(t, func() { fl.Free(oe) })
}

func TestInvalidConfig(t *testing.T) {
	_, err := New[struct{}](Config{Name: "align", EntrySize: 8, Alignment: 24})
	require.Error(t, err)

	_, err = New[struct{}](Config{Name: "reg", Register: func([]byte) (any, error) { return nil, nil }})
	require.Error(t, err)
}

func TestClosedPool(t *testing.T) {
	fl, err := New[struct{}](Config{Name: "closed", EntrySize: 8, InitialCount: 1})
	require.NoError(t, err)
	require.NoError(t, fl.Close())
	_, err = fl.Alloc()
	require.ErrorIs(t, err, ErrClosed)
}
