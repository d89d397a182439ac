package filetransfer

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/peerconnect/conn"
	"github.com/opd-ai/peerconnect/peerid"
	"github.com/stretchr/testify/require"
)

func TestSendFileOverConnDeliversFullContent(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	content := []byte("the quick brown fox jumps over the lazy dog, many times over")
	srcPath := filepath.Join(srcDir, "story.txt")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	server, client := net.Pipe()
	peer := peerid.FromSeed(5)
	serverConn := conn.NewConnection(server, peer)
	clientConn := conn.NewConnection(client, peer)

	recvDone := make(chan struct{})
	var recvErr error
	var recvTransfer *Transfer
	go func() {
		defer close(recvDone)
		resolve := func(name string) (string, error) { return resolveUnderDir(dstDir, name) }
		recvTransfer, recvErr = recvFileOverConn(serverConn, resolve, time.Hour, AcceptAll)
	}()

	f, err := os.Open(srcPath)
	require.NoError(t, err)
	defer f.Close()
	info, err := f.Stat()
	require.NoError(t, err)

	tr := NewTransfer("x1", peer, DirectionOutgoing, "story.txt", uint64(info.Size()), time.Hour)
	sendErr := sendFileOverConn(tr, clientConn, f)
	require.NoError(t, sendErr)

	<-recvDone
	require.NoError(t, recvErr)
	require.NotNil(t, recvTransfer)

	got, err := os.ReadFile(filepath.Join(dstDir, "story.txt"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestSendFileOverConnResumesFromExistingBytes(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	content := []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ")
	srcPath := filepath.Join(srcDir, "data.bin")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	// Receiver already has the first 10 bytes on disk.
	require.NoError(t, os.WriteFile(filepath.Join(dstDir, "data.bin"), content[:10], 0o644))

	server, client := net.Pipe()
	peer := peerid.FromSeed(6)
	serverConn := conn.NewConnection(server, peer)
	clientConn := conn.NewConnection(client, peer)

	recvDone := make(chan struct{})
	var recvTransfer *Transfer
	go func() {
		defer close(recvDone)
		resolve := func(name string) (string, error) { return resolveUnderDir(dstDir, name) }
		recvTransfer, _ = recvFileOverConn(serverConn, resolve, time.Hour, AcceptAll)
	}()

	f, err := os.Open(srcPath)
	require.NoError(t, err)
	defer f.Close()

	tr := NewTransfer("x2", peer, DirectionOutgoing, "data.bin", uint64(len(content)), time.Hour)
	require.NoError(t, sendFileOverConn(tr, clientConn, f))

	<-recvDone
	require.EqualValues(t, len(content), tr.Seeked())
	require.EqualValues(t, len(content), recvTransfer.Seeked())

	got, err := os.ReadFile(filepath.Join(dstDir, "data.bin"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestRecvFileOverConnHonorsRejectPolicy(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "nope.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("irrelevant"), 0o644))

	server, client := net.Pipe()
	peer := peerid.FromSeed(7)
	serverConn := conn.NewConnection(server, peer)
	clientConn := conn.NewConnection(client, peer)

	reject := func(peerid.ID, string, uint64) bool { return false }

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		resolve := func(name string) (string, error) { return resolveUnderDir(dstDir, name) }
		recvFileOverConn(serverConn, resolve, time.Hour, reject)
	}()

	f, err := os.Open(srcPath)
	require.NoError(t, err)
	defer f.Close()
	info, err := f.Stat()
	require.NoError(t, err)

	tr := NewTransfer("x3", peer, DirectionOutgoing, "nope.bin", uint64(info.Size()), time.Hour)
	err = sendFileOverConn(tr, clientConn, f)
	require.ErrorIs(t, err, ErrRejected)

	<-recvDone
	_, statErr := os.Stat(filepath.Join(dstDir, "nope.bin"))
	require.True(t, os.IsNotExist(statErr))
}
