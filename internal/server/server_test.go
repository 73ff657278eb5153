package server

import (
	"bytes"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tftpd-server/internal/config"
	"tftpd-server/internal/proto"
)

func startServer(t *testing.T, mutate func(*config.Config)) (*Server, netip.AddrPort) {
	t.Helper()
	cfg := config.Default()
	cfg.Filesystem.RootDirectory = t.TempDir()
	cfg.Security.WriteEnabled = true
	cfg.Logging.Level = "FATAL"
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	srv := New(cfg)
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	go srv.Serve(conn)
	t.Cleanup(srv.Shutdown)
	return srv, conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func dialServer(t *testing.T, server netip.AddrPort) *net.UDPConn {
	t.Helper()
	c, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(server))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func sendPacket(t *testing.T, c *net.UDPConn, p proto.Packet) {
	t.Helper()
	_, err := c.Write(proto.Encode(p))
	require.NoError(t, err)
}

func recvPacket(t *testing.T, c *net.UDPConn) proto.Packet {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, maxDatagram)
	n, err := c.Read(buf)
	require.NoError(t, err)
	p, err := proto.Decode(buf[:n])
	require.NoError(t, err)
	return p
}

func TestEndToEndRead(t *testing.T) {
	srv, addr := startServer(t, nil)
	content := []byte("Hello, TFTP World!")
	require.NoError(t, os.WriteFile(filepath.Join(srv.cfg.Filesystem.RootDirectory, "hello.txt"), content, 0o644))

	c := dialServer(t, addr)
	sendPacket(t, c, proto.Rrq{Filename: "hello.txt", Mode: proto.ModeOctet})

	data := recvPacket(t, c).(proto.Data)
	assert.Equal(t, uint16(1), data.Block)
	assert.Equal(t, content, data.Payload)

	sendPacket(t, c, proto.Ack{Block: 1})
	require.Eventually(t, func() bool {
		return srv.Stats().TransfersOK == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, len(content), srv.Stats().Bytes)
}

func TestEndToEndMultiBlockRead(t *testing.T) {
	srv, addr := startServer(t, nil)
	content := bytes.Repeat([]byte{0xC3}, 1200)
	require.NoError(t, os.WriteFile(filepath.Join(srv.cfg.Filesystem.RootDirectory, "fw.bin"), content, 0o644))

	c := dialServer(t, addr)
	sendPacket(t, c, proto.Rrq{Filename: "fw.bin", Mode: proto.ModeOctet})

	var got []byte
	for block := uint16(1); ; block++ {
		data := recvPacket(t, c).(proto.Data)
		require.Equal(t, block, data.Block)
		got = append(got, data.Payload...)
		sendPacket(t, c, proto.Ack{Block: data.Block})
		if len(data.Payload) < 512 {
			break
		}
	}
	assert.Equal(t, content, got)
}

func TestEndToEndWrite(t *testing.T) {
	srv, addr := startServer(t, nil)
	c := dialServer(t, addr)

	sendPacket(t, c, proto.Wrq{Filename: "upload.bin", Mode: proto.ModeOctet})
	require.Equal(t, proto.Ack{Block: 0}, recvPacket(t, c))

	sendPacket(t, c, proto.Data{Block: 1, Payload: []byte("stored bytes")})
	require.Equal(t, proto.Ack{Block: 1}, recvPacket(t, c))

	got, err := os.ReadFile(filepath.Join(srv.cfg.Filesystem.RootDirectory, "upload.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("stored bytes"), got)
}

func TestTraversalRejectedWithoutOpeningFiles(t *testing.T) {
	_, addr := startServer(t, nil)
	c := dialServer(t, addr)

	sendPacket(t, c, proto.Rrq{Filename: "../etc/passwd", Mode: proto.ModeOctet})
	perr := recvPacket(t, c).(proto.Error)
	assert.Equal(t, proto.ErrAccessViolation, perr.Code)
	assert.Equal(t, "Access denied", perr.Message)
}

func TestOverwriteProtectedWriteRefused(t *testing.T) {
	srv, addr := startServer(t, nil)
	target := filepath.Join(srv.cfg.Filesystem.RootDirectory, "config.bin")
	require.NoError(t, os.WriteFile(target, []byte("keep"), 0o644))

	c := dialServer(t, addr)
	sendPacket(t, c, proto.Wrq{Filename: "config.bin", Mode: proto.ModeOctet})

	perr := recvPacket(t, c).(proto.Error)
	assert.Equal(t, proto.ErrFileExists, perr.Code)
	assert.Equal(t, "File exists", perr.Message)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), got)
}

func TestUnknownTIDGetsStatelessError(t *testing.T) {
	_, addr := startServer(t, nil)
	c := dialServer(t, addr)

	sendPacket(t, c, proto.Ack{Block: 7})
	perr := recvPacket(t, c).(proto.Error)
	assert.Equal(t, proto.ErrUnknownTID, perr.Code)
}

func TestMalformedPacketGetsIllegalOperation(t *testing.T) {
	_, addr := startServer(t, nil)
	c := dialServer(t, addr)

	_, err := c.Write([]byte{0, 9, 'x'})
	require.NoError(t, err)
	perr := recvPacket(t, c).(proto.Error)
	assert.Equal(t, proto.ErrIllegalOp, perr.Code)
}

func TestSecondRequestFromActiveTIDRejected(t *testing.T) {
	srv, addr := startServer(t, nil)
	content := bytes.Repeat([]byte{1}, 1024)
	require.NoError(t, os.WriteFile(filepath.Join(srv.cfg.Filesystem.RootDirectory, "a.bin"), content, 0o644))

	c := dialServer(t, addr)
	sendPacket(t, c, proto.Rrq{Filename: "a.bin", Mode: proto.ModeOctet})
	data := recvPacket(t, c).(proto.Data)
	require.Equal(t, uint16(1), data.Block)

	// Same TID, new request while the transfer is live.
	sendPacket(t, c, proto.Rrq{Filename: "a.bin", Mode: proto.ModeOctet})
	perr := recvPacket(t, c).(proto.Error)
	assert.Equal(t, proto.ErrUnknownTID, perr.Code)
}

func TestDisallowedPeerIsDropped(t *testing.T) {
	_, addr := startServer(t, func(c *config.Config) {
		c.Security.AllowedClients = []string{"203.0.113.7"}
	})
	c := dialServer(t, addr)

	sendPacket(t, c, proto.Rrq{Filename: "a.bin", Mode: proto.ModeOctet})
	require.NoError(t, c.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, 64)
	_, err := c.Read(buf)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout(), "datagram from a disallowed peer must be dropped silently")
}

// Concurrent transfers from distinct peers do not interfere.
func TestConcurrentTransfers(t *testing.T) {
	srv, addr := startServer(t, nil)
	root := srv.cfg.Filesystem.RootDirectory
	fileA := bytes.Repeat([]byte{0xAA}, 700)
	fileB := bytes.Repeat([]byte{0xBB}, 700)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.bin"), fileA, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.bin"), fileB, 0o644))

	ca := dialServer(t, addr)
	cb := dialServer(t, addr)
	sendPacket(t, ca, proto.Rrq{Filename: "a.bin", Mode: proto.ModeOctet})
	sendPacket(t, cb, proto.Rrq{Filename: "b.bin", Mode: proto.ModeOctet})

	da1 := recvPacket(t, ca).(proto.Data)
	db1 := recvPacket(t, cb).(proto.Data)
	assert.Equal(t, fileA[:512], da1.Payload)
	assert.Equal(t, fileB[:512], db1.Payload)

	sendPacket(t, cb, proto.Ack{Block: 1})
	sendPacket(t, ca, proto.Ack{Block: 1})

	da2 := recvPacket(t, ca).(proto.Data)
	db2 := recvPacket(t, cb).(proto.Data)
	assert.Equal(t, fileA[512:], da2.Payload)
	assert.Equal(t, fileB[512:], db2.Payload)

	sendPacket(t, ca, proto.Ack{Block: 2})
	sendPacket(t, cb, proto.Ack{Block: 2})

	require.Eventually(t, func() bool {
		return srv.Stats().TransfersOK == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOptionNegotiationOverWire(t *testing.T) {
	srv, addr := startServer(t, func(c *config.Config) {
		c.Performance.BlockSize = 2048
		c.Performance.WindowSize = 8
	})
	content := bytes.Repeat([]byte{0x42}, 3000)
	require.NoError(t, os.WriteFile(filepath.Join(srv.cfg.Filesystem.RootDirectory, "big.bin"), content, 0o644))

	c := dialServer(t, addr)
	sendPacket(t, c, proto.Rrq{Filename: "big.bin", Mode: proto.ModeOctet, Options: proto.Options{
		HasBlockSize: true, BlockSize: 1024,
		HasTransferSize: true, TransferSize: 0,
	}})

	oack := recvPacket(t, c).(proto.Oack)
	assert.Equal(t, uint16(1024), oack.Options.BlockSize)
	assert.Equal(t, uint64(3000), oack.Options.TransferSize)

	sendPacket(t, c, proto.Ack{Block: 0})
	var got []byte
	for block := uint16(1); ; block++ {
		data := recvPacket(t, c).(proto.Data)
		require.Equal(t, block, data.Block)
		got = append(got, data.Payload...)
		sendPacket(t, c, proto.Ack{Block: data.Block})
		if len(data.Payload) < 1024 {
			break
		}
	}
	assert.Equal(t, content, got)
}

func TestShutdownClosesActiveTransfers(t *testing.T) {
	srv, addr := startServer(t, nil)
	content := bytes.Repeat([]byte{1}, 4096)
	require.NoError(t, os.WriteFile(filepath.Join(srv.cfg.Filesystem.RootDirectory, "a.bin"), content, 0o644))

	c := dialServer(t, addr)
	sendPacket(t, c, proto.Rrq{Filename: "a.bin", Mode: proto.ModeOctet})
	data := recvPacket(t, c).(proto.Data)
	require.Equal(t, uint16(1), data.Block)

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}
