package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imdisk-go/vblockd/backing"
	"github.com/imdisk-go/vblockd/geometry"
)

func newTestFileDevice(t *testing.T, size int64) (*Device, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))

	store, err := backing.OpenFile(path, false, 0)
	require.NoError(t, err)
	geo, _ := geometry.Resolve(size, geometry.ClassHD, "")
	d := New(2, "file-test", store, geo, 0, 0, 0, nil, nil)
	d.Run()
	return d, path
}

func TestDispatcher_WriteThenReadServesFromCache(t *testing.T) {
	d, _ := newTestFileDevice(t, 1<<20)
	defer func() { d.Terminate(); d.Wait() }()

	payload := []byte("hello-world-payload")
	wreq := NewRequest(KindWrite, 100, int64(len(payload)), payload)
	d.Submit(wreq)
	res := <-wreq.Done()
	require.NoError(t, res.Err)

	out := make([]byte, len(payload))
	rreq := NewRequest(KindRead, 100, int64(len(out)), out)
	d.Submit(rreq)
	res = <-rreq.Done()
	require.NoError(t, res.Err)
	require.Equal(t, payload, out)
}

func TestDispatcher_ReadPastEndOfDeviceIsZeroLengthSuccess(t *testing.T) {
	d, _ := newTestFileDevice(t, 4096)
	defer func() { d.Terminate(); d.Wait() }()

	out := make([]byte, 64)
	req := NewRequest(KindRead, 4096, int64(len(out)), out)
	d.Submit(req)
	res := <-req.Done()
	require.NoError(t, res.Err)
	require.Equal(t, 0, res.N)
}

func TestDispatcher_FormatTracksFillsFixedByte(t *testing.T) {
	d, _ := newTestFileDevice(t, 63*512*4)
	defer func() { d.Terminate(); d.Wait() }()

	req := &Request{Kind: KindFormat, StartCylinder: 0, StartHead: 0, EndCylinder: 0, EndHead: 0, done: make(chan Result, 1)}
	d.Submit(req)
	res := <-req.Done()
	require.NoError(t, res.Err)

	out := make([]byte, 63*512)
	rreq := NewRequest(KindRead, 0, int64(len(out)), out)
	d.Submit(rreq)
	res = <-rreq.Done()
	require.NoError(t, res.Err)
	for _, b := range out {
		require.Equal(t, byte(0xF6), b)
	}
}

func TestDispatcher_FormatTracksRefusedOnReadOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 63*512*4), 0o644))
	store, err := backing.OpenFile(path, true, 0)
	require.NoError(t, err)
	geo, _ := geometry.Resolve(63*512*4, geometry.ClassHD, "")
	d := New(3, "ro-test", store, geo, 0, FlagReadOnly, 0, nil, nil)
	d.Run()
	defer func() { d.Terminate(); d.Wait() }()

	req := &Request{Kind: KindFormat, StartCylinder: 0, StartHead: 0, EndCylinder: 0, EndHead: 0, done: make(chan Result, 1)}
	d.Submit(req)
	res := <-req.Done()
	require.Error(t, res.Err)
}

func TestDispatcher_GrowExtendsFileAndUpdatesGeometry(t *testing.T) {
	d, path := newTestFileDevice(t, 4096)
	defer func() { d.Terminate(); d.Wait() }()

	req := &Request{Kind: KindGrow, NewSize: 8192, PartitionNum: 1, done: make(chan Result, 1)}
	d.Submit(req)
	res := <-req.Done()
	require.NoError(t, res.Err)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(8192), fi.Size())
	require.Equal(t, int64(8192), d.Geometry.Cylinders)
}

func TestDispatcher_GrowRefusedOnFileWithImageOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))
	store, err := backing.OpenFile(path, false, 0)
	require.NoError(t, err)
	geo, _ := geometry.Resolve(4096, geometry.ClassHD, "")
	d := New(4, "offset-test", store, geo, 512, 0, 0, nil, nil)
	d.Run()
	defer func() { d.Terminate(); d.Wait() }()

	req := &Request{Kind: KindGrow, NewSize: 8192, PartitionNum: 1, done: make(chan Result, 1)}
	d.Submit(req)
	res := <-req.Done()
	require.Error(t, res.Err)
}

func TestDispatcher_VerifyReportsMediaChangeCounter(t *testing.T) {
	d, _ := newTestFileDevice(t, 4096)
	defer func() { d.Terminate(); d.Wait() }()

	buf := make([]byte, 4)
	req := NewRequest(KindVerify, 0, 0, buf)
	d.Submit(req)
	res := <-req.Done()
	require.NoError(t, res.Err)
	require.Equal(t, 4, res.N)
}

func TestDispatcher_AnonReadPastEndOfDeviceIsZeroLengthSuccess(t *testing.T) {
	d := newTestAnonDevice(t, 4096, false)
	defer func() { d.Terminate(); d.Wait() }()

	out := make([]byte, 64)
	req := NewRequest(KindRead, 4096, int64(len(out)), out)
	d.Submit(req)
	res := <-req.Done()
	require.NoError(t, res.Err)
	require.Equal(t, 0, res.N)
}

func TestDispatcher_AnonReadNeverReturnsPartialCountNearTail(t *testing.T) {
	// Window size is 64KiB (newTestAnonDevice); a request straddling the
	// end of a smaller allocation must not silently truncate to whatever
	// the mapper's current window happens to have "usable" left — it
	// must report zero-length success instead (spec.md §8, Open
	// Question 3).
	d := newTestAnonDevice(t, 100, false)
	defer func() { d.Terminate(); d.Wait() }()

	out := make([]byte, 64)
	req := NewRequest(KindRead, 50, int64(len(out)), out)
	d.Submit(req)
	res := <-req.Done()
	require.NoError(t, res.Err)
	require.Equal(t, 0, res.N)
}

func TestDispatcher_AnonRequestLongerThanWindowIsRejected(t *testing.T) {
	d := newTestAnonDevice(t, 1<<20, false)
	defer func() { d.Terminate(); d.Wait() }()

	out := make([]byte, 128*1024) // window is 64KiB, double that is still under 1<<20
	req := NewRequest(KindRead, 0, int64(len(out)), out)
	d.Submit(req)
	res := <-req.Done()
	require.Error(t, res.Err)
}

func TestDevice_BumpMediaChangeCounterIncrementsByOne(t *testing.T) {
	d, _ := newTestFileDevice(t, 4096)
	before := d.MediaChangeCounter()
	d.BumpMediaChangeCounter()
	require.Equal(t, before+1, d.MediaChangeCounter())
	d.Terminate()
	d.Wait()
}

func TestDevice_MediaChangeCounterStartsAtOneOnCreate(t *testing.T) {
	d, _ := newTestFileDevice(t, 4096)
	defer func() { d.Terminate(); d.Wait() }()
	require.Equal(t, uint32(1), d.MediaChangeCounter())
}
