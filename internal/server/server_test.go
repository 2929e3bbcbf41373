package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gofast-cache/gofast/internal/config"
	"github.com/gofast-cache/gofast/internal/wire"
)

// testConfig returns a config sized for a handful of small items, bound to
// an OS-assigned port so tests never collide on a fixed address.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Engine.SegmentSize = 4096
	cfg.Engine.HeapSize = 4096 * 8
	cfg.Engine.HashPower = 6
	cfg.Engine.OverflowFactor = 2.0
	cfg.Engine.MaxKeyLen = 250
	cfg.Engine.MaxValueSize = 1 << 16
	cfg.Engine.MaxBatchSize = 16
	return cfg
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv, err := New(testConfig(), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)
	return srv, srv.listener.Addr().String()
}

func field(b []byte) []byte {
	var out []byte
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	out = append(out, lenBuf[:]...)
	out = append(out, b...)
	return out
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func frame(command byte, payload []byte) []byte {
	body := append([]byte{wire.ProtocolVersion, command}, payload...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	return append(lenBuf[:], body...)
}

func setFrame(key, value []byte) []byte {
	var payload []byte
	payload = append(payload, field(key)...)
	payload = append(payload, field(nil)...) // flags
	payload = append(payload, u32(0)...)      // ttl
	payload = append(payload, 0)              // noreply=false
	payload = append(payload, field(value)...)
	return frame(wire.CmdSet, payload)
}

func getFrame(key []byte) []byte {
	var payload []byte
	payload = append(payload, u32(1)...)
	payload = append(payload, field(key)...)
	return frame(wire.CmdGet, payload)
}

func readResponse(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	var lenBuf [4]byte
	_, err := io.ReadFull(r, lenBuf[:])
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	return body
}

func TestServerSetThenGetRoundTrip(t *testing.T) {
	_, addr := startTestServer(t)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(setFrame([]byte("k"), []byte("v")))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	resp := readResponse(t, r)
	require.Equal(t, wire.StatusStored, resp[0])

	_, err = conn.Write(getFrame([]byte("k")))
	require.NoError(t, err)

	resp = readResponse(t, r)
	require.Equal(t, wire.StatusValues, resp[0])
	count := binary.BigEndian.Uint32(resp[1:5])
	require.EqualValues(t, 1, count)
}

func TestServerTracksStats(t *testing.T) {
	srv, addr := startTestServer(t)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(setFrame([]byte("k"), []byte("v")))
	require.NoError(t, err)
	r := bufio.NewReader(conn)
	readResponse(t, r)

	_, err = conn.Write(getFrame([]byte("k")))
	require.NoError(t, err)
	readResponse(t, r)

	require.Eventually(t, func() bool {
		snap := srv.Stats()
		return snap.SetOps == 1 && snap.GetOps == 1 && snap.TotalOps == 2
	}, time.Second, 10*time.Millisecond)
}
