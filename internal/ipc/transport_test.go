package ipc_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/govpnc/internal/ipc"
)

// pair returns a connected socketpair and registers cleanup for both ends.
func pair(t *testing.T) (int, int) {
	t.Helper()

	a, b, err := ipc.Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(a)
		_ = unix.Close(b)
	})
	return a, b
}

// TestSendRecvRoundTrip verifies that a message sent with Send is received
// by Recv with the same command and a structurally equal payload.
func TestSendRecvRoundTrip(t *testing.T) {
	t.Parallel()

	a, b := pair(t)

	sent := ipc.SessionOpenMsg{
		SID:      bytes.Repeat([]byte{0xAB}, 16),
		RemoteIP: "192.0.2.7",
		PID:      4242,
		IPv4:     "10.8.0.5",
	}

	if err := ipc.Send(a, ipc.CmdSecmSessionOpen, &sent, -1); err != nil {
		t.Fatalf("send: %v", err)
	}

	var got ipc.SessionOpenMsg
	if err := ipc.Recv(b, ipc.CmdSecmSessionOpen, time.Second, &got, nil); err != nil {
		t.Fatalf("recv: %v", err)
	}

	if !bytes.Equal(got.SID, sent.SID) {
		t.Errorf("SID mismatch: got %x, want %x", got.SID, sent.SID)
	}
	if got.RemoteIP != sent.RemoteIP || got.PID != sent.PID || got.IPv4 != sent.IPv4 {
		t.Errorf("payload mismatch: got %+v, want %+v", got, sent)
	}
}

// TestSendRecvEmptyPayload verifies that commands without a payload (such
// as terminate and reload) round-trip with a zero length.
func TestSendRecvEmptyPayload(t *testing.T) {
	t.Parallel()

	a, b := pair(t)

	if err := ipc.Send(a, ipc.CmdTerminate, nil, -1); err != nil {
		t.Fatalf("send: %v", err)
	}

	cmd, length, err := ipc.RecvHeaders(b, time.Second)
	if err != nil {
		t.Fatalf("recv headers: %v", err)
	}
	if cmd != ipc.CmdTerminate {
		t.Errorf("got command %s, want %s", cmd, ipc.CmdTerminate)
	}
	if length != 0 {
		t.Errorf("got length %d, want 0", length)
	}
}

// TestRecvBadCommand verifies that a command byte other than the expected
// one fails with ErrBadCommand.
func TestRecvBadCommand(t *testing.T) {
	t.Parallel()

	a, b := pair(t)

	if err := ipc.Send(a, ipc.CmdSecmReload, nil, -1); err != nil {
		t.Fatalf("send: %v", err)
	}

	err := ipc.Recv(b, ipc.CmdSecmSessionOpen, time.Second, nil, nil)
	if !errors.Is(err, ipc.ErrBadCommand) {
		t.Errorf("got error %v, want ErrBadCommand", err)
	}
}

// TestRecvTimeout verifies that a read on a silent socket fails with
// ErrTimedOut once the caller's deadline expires.
func TestRecvTimeout(t *testing.T) {
	t.Parallel()

	_, b := pair(t)

	start := time.Now()
	_, _, err := ipc.RecvHeaders(b, 50*time.Millisecond)
	if !errors.Is(err, ipc.ErrTimedOut) {
		t.Fatalf("got error %v, want ErrTimedOut", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned after %v, expected to wait for the deadline", elapsed)
	}
}

// TestRecvPeerTerminated verifies that a closed peer surfaces as
// ErrPeerTerminated rather than a generic I/O error.
func TestRecvPeerTerminated(t *testing.T) {
	t.Parallel()

	a, b, err := ipc.Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { _ = unix.Close(b) })

	_ = unix.Close(a)

	_, _, err = ipc.RecvHeaders(b, time.Second)
	if !errors.Is(err, ipc.ErrPeerTerminated) {
		t.Errorf("got error %v, want ErrPeerTerminated", err)
	}
}

// TestFDPassing verifies that a descriptor sent via SCM_RIGHTS is received
// exactly once and refers to the same underlying kernel object: the write
// end of a pipe is passed across the transport, the sender's copy closed,
// and bytes written through the received descriptor still come out of the
// original read end.
func TestFDPassing(t *testing.T) {
	t.Parallel()

	a, b := pair(t)

	var pipeFDs [2]int
	if err := unix.Pipe(pipeFDs[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	r, w := pipeFDs[0], pipeFDs[1]
	t.Cleanup(func() { _ = unix.Close(r) })

	var rStat unix.Stat_t
	if err := unix.Fstat(w, &rStat); err != nil {
		t.Fatalf("fstat original: %v", err)
	}

	if err := ipc.Send(a, ipc.CmdUDPFD, nil, w); err != nil {
		t.Fatalf("send with fd: %v", err)
	}
	_ = unix.Close(w)

	received := -1
	if err := ipc.Recv(b, ipc.CmdUDPFD, time.Second, nil, &received); err != nil {
		t.Fatalf("recv with fd: %v", err)
	}
	if received < 0 {
		t.Fatal("no descriptor received")
	}
	t.Cleanup(func() { _ = unix.Close(received) })

	var gotStat unix.Stat_t
	if err := unix.Fstat(received, &gotStat); err != nil {
		t.Fatalf("fstat received: %v", err)
	}
	if gotStat.Ino != rStat.Ino || gotStat.Dev != rStat.Dev {
		t.Errorf("received fd inode (%d,%d) differs from original (%d,%d)",
			gotStat.Dev, gotStat.Ino, rStat.Dev, rStat.Ino)
	}

	msg := []byte("through the passed end")
	if _, err := unix.Write(received, msg); err != nil {
		t.Fatalf("write through received fd: %v", err)
	}

	buf := make([]byte, len(msg))
	n, err := unix.Read(r, buf)
	if err != nil {
		t.Fatalf("read from pipe: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Errorf("read %q, want %q", buf[:n], msg)
	}
}

// TestForwardRewritesCommand verifies that Forward splices a frame between
// sockets while rewriting the command byte and preserving the payload.
func TestForwardRewritesCommand(t *testing.T) {
	t.Parallel()

	workerA, workerB := pair(t)
	secA, secB := pair(t)

	sent := ipc.AuthContMsg{
		SID:      bytes.Repeat([]byte{0x01}, 16),
		Password: "hunter2",
	}
	if err := ipc.Send(workerA, ipc.CmdSecAuthCont, &sent, -1); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := ipc.Forward(workerB, ipc.CmdSecAuthCont, secA, ipc.CmdSecAuthInit, time.Second); err != nil {
		t.Fatalf("forward: %v", err)
	}

	var got ipc.AuthContMsg
	if err := ipc.Recv(secB, ipc.CmdSecAuthInit, time.Second, &got, nil); err != nil {
		t.Fatalf("recv forwarded: %v", err)
	}
	if got.Password != sent.Password || !bytes.Equal(got.SID, sent.SID) {
		t.Errorf("forwarded payload mismatch: got %+v", got)
	}
}

// TestRecvDataWithFD verifies the header+payload+descriptor path used by
// dispatch loops that inspect the command before decoding.
func TestRecvDataWithFD(t *testing.T) {
	t.Parallel()

	a, b := pair(t)

	var pipeFDs [2]int
	if err := unix.Pipe(pipeFDs[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(pipeFDs[0])
	})

	sent := ipc.TunMTUMsg{MTU: 1380}
	if err := ipc.Send(a, ipc.CmdTunMTU, &sent, pipeFDs[1]); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = unix.Close(pipeFDs[1])

	cmd, payload, fd, err := ipc.RecvData(b, time.Second, true)
	if err != nil {
		t.Fatalf("recv data: %v", err)
	}
	if fd < 0 {
		t.Fatal("no descriptor received")
	}
	_ = unix.Close(fd)

	if cmd != ipc.CmdTunMTU {
		t.Errorf("got command %s, want %s", cmd, ipc.CmdTunMTU)
	}
	if len(payload) == 0 {
		t.Error("empty payload for tun-mtu frame")
	}
}
