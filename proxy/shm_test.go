package proxy

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imdisk-go/vblockd/internal/signal"
)

// fakeServer drains the request signal, decodes whatever message is in
// the header slot, writes a canned response, and raises the response
// signal — playing the external proxy server's role for scenario 7 of
// spec.md §8 (shared-memory round trip).
func fakeServer(t *testing.T, region []byte, request, response *signal.Signal, respond func(code MsgCode) (hdr []byte, payload []byte)) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		if err := request.Wait(ctx); err != nil {
			return
		}
		code := MsgCode(order.Uint64(region[:8]))
		hdr, payload := respond(code)
		copy(region[:HeaderSlotSize], hdr)
		for i := len(hdr); i < HeaderSlotSize; i++ {
			region[i] = 0
		}
		if len(payload) > 0 {
			copy(region[HeaderSlotSize:], payload)
		}
		require.NoError(t, response.Raise())
	}()
	return done
}

func TestShmEndpoint_InfoRoundTrip(t *testing.T) {
	req, err := signal.New()
	require.NoError(t, err)
	defer req.Close()
	resp, err := signal.New()
	require.NoError(t, err)
	defer resp.Close()

	region := make([]byte, HeaderSlotSize+4096)
	done := fakeServer(t, region, req, resp, func(code MsgCode) ([]byte, []byte) {
		require.Equal(t, MsgInfo, code)
		buf := bytes.NewBuffer(nil)
		writeU64(buf, 1<<30)
		writeU64(buf, 512)
		writeU64(buf, 0)
		return buf.Bytes(), nil
	})

	ep, err := NewShmEndpoint(region, req, resp)
	require.NoError(t, err)
	info, err := ep.Info(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1<<30), info.FileSize)
	require.Equal(t, uint64(512), info.ReqAlignment)
	<-done
}

func TestShmEndpoint_ReadRoundTrip(t *testing.T) {
	req, err := signal.New()
	require.NoError(t, err)
	defer req.Close()
	resp, err := signal.New()
	require.NoError(t, err)
	defer resp.Close()

	region := make([]byte, HeaderSlotSize+4096)
	want := bytes.Repeat([]byte{0xAB}, 4096)
	done := fakeServer(t, region, req, resp, func(code MsgCode) ([]byte, []byte) {
		require.Equal(t, MsgRead, code)
		buf := bytes.NewBuffer(nil)
		writeU64(buf, 0)
		writeU64(buf, uint64(len(want)))
		return buf.Bytes(), want
	})

	ep, err := NewShmEndpoint(region, req, resp)
	require.NoError(t, err)
	out := make([]byte, 4096)
	n, err := ep.Read(context.Background(), 0, out)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	require.True(t, bytes.Equal(out, want))
	<-done
}

func TestShmEndpoint_OversizedResponseIsProtocolViolation(t *testing.T) {
	req, err := signal.New()
	require.NoError(t, err)
	defer req.Close()
	resp, err := signal.New()
	require.NoError(t, err)
	defer resp.Close()

	region := make([]byte, HeaderSlotSize+16)
	fakeServer(t, region, req, resp, func(code MsgCode) ([]byte, []byte) {
		buf := bytes.NewBuffer(nil)
		writeU64(buf, 0)
		writeU64(buf, 9999) // exceeds the 16-byte payload capacity
		return buf.Bytes(), nil
	})

	ep, err := NewShmEndpoint(region, req, resp)
	require.NoError(t, err)
	out := make([]byte, 16)
	_, err = ep.Read(context.Background(), 0, out)
	require.Error(t, err)
}
