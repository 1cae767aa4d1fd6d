package proxy

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imdisk-go/vblockd/verr"
)

// readCode reads the 8-byte message code off conn; each test reads the
// rest of the one message kind under test itself.
func readCode(t *testing.T, conn net.Conn) MsgCode {
	t.Helper()
	code, err := readU64(conn)
	require.NoError(t, err)
	return MsgCode(code)
}

func TestStreamEndpoint_ReadRoundTrip(t *testing.T) {
	// Scenario 4 from spec.md §8: mock returns {errno=0,length=0x200}
	// then 512 bytes of 0xCD for a READ{off=0x1000,len=0x200}.
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		code := readCode(t, server)
		require.Equal(t, MsgRead, code)
		offset, err := readU64(server)
		require.NoError(t, err)
		length, err := readU64(server)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x1000), offset)
		assert.Equal(t, uint64(0x200), length)

		require.NoError(t, writeU64(server, 0))
		require.NoError(t, writeU64(server, 0x200))
		payload := bytes.Repeat([]byte{0xCD}, 0x200)
		_, err = server.Write(payload)
		require.NoError(t, err)
	}()

	ep := NewStreamEndpoint(client)
	buf := make([]byte, 0x200)
	n, err := ep.Read(context.Background(), 0x1000, buf)
	require.NoError(t, err)
	assert.Equal(t, 0x200, n)
	assert.True(t, bytes.Equal(buf, bytes.Repeat([]byte{0xCD}, 0x200)))
	<-done
}

func TestStreamEndpoint_ProxyResetOnMidResponseClose(t *testing.T) {
	// Scenario 5 from spec.md §8: mock closes mid-response, dispatcher
	// must observe a no-media error.
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		_ = readCode(t, server)
		readU64(server)
		readU64(server)
		// Respond with a half header then vanish.
		writeU64(server, 0)
		server.Close()
	}()

	ep := NewStreamEndpoint(client)
	buf := make([]byte, 16)
	_, err := ep.Read(context.Background(), 0, buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, verr.ErrNoMedia)
}

func TestStreamEndpoint_CancellationAbortsInFlightRead(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		// Server never responds: simulates a hung proxy.
		readCode(t, server)
		readU64(server)
		readU64(server)
		time.Sleep(time.Hour)
	}()

	ep := NewStreamEndpoint(client)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	buf := make([]byte, 16)
	_, err := ep.Read(ctx, 0, buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, verr.ErrCancelled)
}

func TestClient_Open_RejectsUnsupportedAlignment(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		readCode(t, server)
		writeU64(server, 4096) // file_size
		writeU64(server, 1024) // req_alignment-1 > 511
		writeU64(server, 0)
	}()

	ep := NewStreamEndpoint(client)
	_, err := Open(context.Background(), ep, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, verr.ErrUnsupportedAlignment)
}

func TestClient_Open_ZeroFileSizeIsFatalWithoutAuthoritativeSize(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		readCode(t, server)
		writeU64(server, 0)
		writeU64(server, 512)
		writeU64(server, 0)
	}()

	ep := NewStreamEndpoint(client)
	_, err := Open(context.Background(), ep, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, verr.ErrNoMedia)
}
