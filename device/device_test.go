package device

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imdisk-go/vblockd/backing"
	"github.com/imdisk-go/vblockd/geometry"
)

func newTestAnonDevice(t *testing.T, length int64, readOnly bool) *Device {
	t.Helper()
	store, err := backing.NewAnon(length, readOnly, 64*1024)
	require.NoError(t, err)
	geo, _ := geometry.Resolve(length, geometry.ClassHD, "")
	flags := Flags(0)
	if readOnly {
		flags |= FlagReadOnly
	}
	d := New(1, "test", store, geo, 0, flags, 0, nil, nil)
	d.Run()
	return d
}

func TestDevice_SetReadOnlyRefusedWhilePinned(t *testing.T) {
	d := newTestAnonDevice(t, 4096, false)
	defer func() { d.Terminate(); d.Wait() }()

	d.Pin()
	require.Error(t, d.SetReadOnly(true))
	d.Unpin()
	require.NoError(t, d.SetReadOnly(true))
}

func TestDevice_SubmitAndCompleteRoundTrip(t *testing.T) {
	d := newTestAnonDevice(t, 4096, false)
	defer func() { d.Terminate(); d.Wait() }()

	payload := []byte{1, 2, 3, 4}
	wreq := NewRequest(KindWrite, 0, int64(len(payload)), payload)
	d.Submit(wreq)
	res := <-wreq.Done()
	require.NoError(t, res.Err)
	require.Equal(t, len(payload), res.N)
	require.True(t, d.Modified())

	out := make([]byte, len(payload))
	rreq := NewRequest(KindRead, 0, int64(len(out)), out)
	d.Submit(rreq)
	res = <-rreq.Done()
	require.NoError(t, res.Err)
	require.Equal(t, payload, out)
}

func TestDevice_TerminateDrainsQueueAndShutsDown(t *testing.T) {
	d := newTestAnonDevice(t, 4096, false)

	reqs := make([]*Request, 5)
	for i := range reqs {
		reqs[i] = NewRequest(KindVerify, 0, 0, nil)
		d.Submit(reqs[i])
	}
	d.Terminate()
	d.Wait()

	for _, r := range reqs {
		res := <-r.Done()
		require.NoError(t, res.Err)
	}
	require.True(t, d.Removed())
}
