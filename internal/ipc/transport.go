package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"
	"golang.org/x/sys/unix"
)

// Sentinel errors for transport operations.
var (
	// ErrPeerTerminated indicates the peer closed its end of the socket.
	ErrPeerTerminated = errors.New("peer terminated connection")

	// ErrTimedOut indicates no data arrived within the caller's deadline.
	ErrTimedOut = errors.New("transport read timed out")

	// ErrBadCommand indicates a protocol mismatch: unexpected command
	// byte, short header, or invalid ancillary data. Fatal for the
	// connection it occurred on.
	ErrBadCommand = errors.New("unexpected command on transport")

	// ErrOversizeMessage indicates a payload larger than MaxMsgSize.
	ErrOversizeMessage = errors.New("oversize transport message")
)

// MaxMsgSize caps the payload length accepted on any transport socket.
// Larger frames are a protocol violation.
const MaxMsgSize = 256 * 1024

// headerSize is the fixed frame header: 1 command byte + 4 length bytes.
const headerSize = 5

// Socketpair returns a connected pair of Unix-domain stream sockets with
// close-on-exec set. One end is typically kept by the spawning process and
// the other inherited by a child.
func Socketpair() (int, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, -1, fmt.Errorf("socketpair: %w", err)
	}
	return fds[0], fds[1], nil
}

// Send transmits one frame: the command byte, the little-endian payload
// length and the XDR-encoded msg (nil msg means an empty payload). When
// passFD is >= 0 the descriptor rides along as SCM_RIGHTS ancillary data
// on the same sendmsg. EINTR is retried.
//
// The encoded payload buffer is zeroized before release; message payloads
// may carry credentials or session identifiers.
func Send(fd int, cmd Cmd, msg any, passFD int) error {
	var payload bytes.Buffer

	if msg != nil {
		if _, err := xdr.Marshal(&payload, msg); err != nil {
			return fmt.Errorf("send %s: encode: %w", cmd, err)
		}
	}

	defer zeroize(payload.Bytes())

	return SendRaw(fd, cmd, payload.Bytes(), passFD)
}

// SendRaw transmits one frame whose payload bytes are already encoded.
// Used when relaying a received payload without decoding it.
func SendRaw(fd int, cmd Cmd, payload []byte, passFD int) error {
	if len(payload) > MaxMsgSize {
		return fmt.Errorf("send %s: %d bytes: %w", cmd, len(payload), ErrOversizeMessage)
	}

	frame := make([]byte, headerSize+len(payload))
	frame[0] = byte(cmd)
	binary.LittleEndian.PutUint32(frame[1:headerSize], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	defer zeroize(frame)

	var oob []byte
	if passFD >= 0 {
		oob = unix.UnixRights(passFD)
	}

	for {
		_, err := unix.SendmsgN(fd, frame, oob, nil, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("send %s: sendmsg: %w", cmd, err)
		}
		return nil
	}
}

// RecvHeaders waits up to timeout for a frame and reads its 5-byte header.
// A timeout of zero blocks indefinitely. Returns the command and the
// payload length still to be read. Ancillary data is not expected on
// frames read this way; callers expecting a passed descriptor use Recv or
// RecvData, where the descriptor arrives with the header read.
func RecvHeaders(fd int, timeout time.Duration) (Cmd, uint32, error) {
	cmd, length, _, err := recvFrameHeader(fd, timeout, false)
	return cmd, length, err
}

// RecvData reads one complete frame: header, optional SCM_RIGHTS
// descriptor (delivered with the header bytes) and payload. When wantFD is
// true the passed descriptor is returned and owned by the caller. On any
// error a received descriptor is closed before returning.
func RecvData(fd int, timeout time.Duration, wantFD bool) (Cmd, []byte, int, error) {
	cmd, length, passed, err := recvFrameHeader(fd, timeout, wantFD)
	if err != nil {
		return 0, nil, -1, err
	}

	if length > MaxMsgSize {
		closeQuiet(passed)
		return 0, nil, -1, fmt.Errorf("recv %s: %d bytes: %w", cmd, length, ErrOversizeMessage)
	}

	buf := make([]byte, length)
	if err := readFull(fd, buf, timeout); err != nil {
		closeQuiet(passed)
		return 0, nil, -1, fmt.Errorf("recv %s payload: %w", cmd, err)
	}

	return cmd, buf, passed, nil
}

// Recv performs a full read round-trip: header, command check, payload and
// decode. A command byte other than expect fails with ErrBadCommand. When
// fdOut is non-nil a passed descriptor is stored there (-1 if none); on
// error paths a received descriptor is closed.
func Recv(fd int, expect Cmd, timeout time.Duration, msg any, fdOut *int) error {
	cmd, length, passed, err := recvFrameHeader(fd, timeout, fdOut != nil)
	if err != nil {
		return err
	}

	if fdOut != nil {
		*fdOut = passed
	}

	if cmd != expect {
		closeRecvFD(fdOut)
		return fmt.Errorf("recv: expected %s, got %s: %w", expect, cmd, ErrBadCommand)
	}

	if length > MaxMsgSize {
		closeRecvFD(fdOut)
		return fmt.Errorf("recv %s: %d bytes: %w", cmd, length, ErrOversizeMessage)
	}

	if length == 0 {
		return nil
	}

	buf := make([]byte, length)
	if err := readFull(fd, buf, timeout); err != nil {
		closeRecvFD(fdOut)
		return fmt.Errorf("recv %s payload: %w", cmd, err)
	}
	defer zeroize(buf)

	if msg == nil {
		return nil
	}

	if _, err := xdr.Unmarshal(bytes.NewReader(buf), msg); err != nil {
		closeRecvFD(fdOut)
		return fmt.Errorf("recv %s: decode: %w", cmd, errors.Join(ErrBadCommand, err))
	}

	return nil
}

// Forward splices one frame from inFD to outFD, rewriting the command byte
// from inCmd to outCmd. The payload is copied opaquely in chunks; no decode
// happens. Used by the supervisor to relay worker authentication traffic to
// the security module and back.
func Forward(inFD int, inCmd Cmd, outFD int, outCmd Cmd, timeout time.Duration) error {
	cmd, length, _, err := recvFrameHeader(inFD, timeout, false)
	if err != nil {
		return err
	}

	if cmd != inCmd {
		return fmt.Errorf("forward: expected %s, got %s: %w", inCmd, cmd, ErrBadCommand)
	}

	if length > MaxMsgSize {
		return fmt.Errorf("forward %s: %d bytes: %w", cmd, length, ErrOversizeMessage)
	}

	var hdr [headerSize]byte
	hdr[0] = byte(outCmd)
	binary.LittleEndian.PutUint32(hdr[1:], length)
	if err := writeFull(outFD, hdr[:]); err != nil {
		return fmt.Errorf("forward %s headers: %w", outCmd, err)
	}

	left := int(length)
	var chunk [1024]byte
	for left > 0 {
		n := left
		if n > len(chunk) {
			n = len(chunk)
		}
		if err := readFull(inFD, chunk[:n], timeout); err != nil {
			return fmt.Errorf("forward %s payload: %w", cmd, err)
		}
		if err := writeFull(outFD, chunk[:n]); err != nil {
			return fmt.Errorf("forward %s payload: %w", outCmd, err)
		}
		left -= n
	}
	zeroize(chunk[:])

	return nil
}

// recvFrameHeader polls for readability, then receives the 5-byte frame
// header in a single recvmsg together with any ancillary data. Returns the
// parsed command, payload length and a passed descriptor (-1 if none or
// wantFD is false; an unexpected descriptor arriving when wantFD is false
// is closed and rejected).
func recvFrameHeader(fd int, timeout time.Duration, wantFD bool) (Cmd, uint32, int, error) {
	if err := pollIn(fd, timeout); err != nil {
		return 0, 0, -1, err
	}

	var hdr [headerSize]byte
	oob := make([]byte, unix.CmsgSpace(4))

	var n, oobn int
	for {
		var err error
		n, oobn, _, _, err = unix.Recvmsg(fd, hdr[:], oob, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, 0, -1, fmt.Errorf("recvmsg: %w", err)
		}
		break
	}

	if n == 0 {
		return 0, 0, -1, ErrPeerTerminated
	}

	passed, err := parseRights(oob[:oobn])
	if err != nil {
		return 0, 0, -1, err
	}
	if passed >= 0 && !wantFD {
		closeQuiet(passed)
		return 0, 0, -1, fmt.Errorf("unexpected descriptor on frame: %w", ErrBadCommand)
	}

	if n < headerSize {
		if err := readFull(fd, hdr[n:], timeout); err != nil {
			closeQuiet(passed)
			return 0, 0, -1, fmt.Errorf("short frame header: %w", err)
		}
	}

	return Cmd(hdr[0]), binary.LittleEndian.Uint32(hdr[1:]), passed, nil
}

// parseRights extracts at most one passed descriptor from ancillary data.
// An ancillary message that is not SOL_SOCKET/SCM_RIGHTS, or that carries
// more than one descriptor, is a protocol violation: all delivered
// descriptors are closed and ErrBadCommand returned.
func parseRights(oob []byte) (int, error) {
	if len(oob) == 0 {
		return -1, nil
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, fmt.Errorf("parse ancillary data: %w", errors.Join(ErrBadCommand, err))
	}
	if len(msgs) == 0 {
		return -1, nil
	}

	if len(msgs) > 1 || msgs[0].Header.Level != unix.SOL_SOCKET || msgs[0].Header.Type != unix.SCM_RIGHTS {
		for i := range msgs {
			if fds, rErr := unix.ParseUnixRights(&msgs[i]); rErr == nil {
				for _, f := range fds {
					closeQuiet(f)
				}
			}
		}
		return -1, fmt.Errorf("invalid ancillary message: %w", ErrBadCommand)
	}

	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, fmt.Errorf("parse rights: %w", errors.Join(ErrBadCommand, err))
	}

	switch len(fds) {
	case 0:
		return -1, nil
	case 1:
		return fds[0], nil
	default:
		for _, f := range fds {
			closeQuiet(f)
		}
		return -1, fmt.Errorf("more than one descriptor passed: %w", ErrBadCommand)
	}
}

// pollIn waits for the descriptor to become readable. A timeout of zero
// blocks indefinitely. Expiry maps to ErrTimedOut; EINTR restarts the wait.
func pollIn(fd int, timeout time.Duration) error {
	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	for {
		n, err := unix.Poll(pfd, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return ErrTimedOut
		}
		return nil
	}
}

// readFull reads exactly len(buf) bytes, polling before each read when a
// timeout is set. EINTR and EAGAIN are retried.
func readFull(fd int, buf []byte, timeout time.Duration) error {
	off := 0
	for off < len(buf) {
		if err := pollIn(fd, timeout); err != nil {
			return err
		}

		n, err := unix.Read(fd, buf[off:])
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			return ErrPeerTerminated
		}
		off += n
	}
	return nil
}

// writeFull writes the whole buffer, retrying EINTR and EAGAIN.
func writeFull(fd int, buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := unix.Write(fd, buf[off:])
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		off += n
	}
	return nil
}

// closeRecvFD closes and clears a descriptor stored by Recv on its error
// paths, so callers never inherit a half-delivered fd.
func closeRecvFD(fdOut *int) {
	if fdOut != nil && *fdOut >= 0 {
		closeQuiet(*fdOut)
		*fdOut = -1
	}
}

func closeQuiet(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}

// zeroize scrubs a buffer that may have carried credentials or session
// identifiers.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
