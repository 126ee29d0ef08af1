package server_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/govpnc/internal/config"
	"github.com/dantte-lp/govpnc/internal/ipc"
	"github.com/dantte-lp/govpnc/internal/iplease"
	"github.com/dantte-lp/govpnc/internal/secmod"
	"github.com/dantte-lp/govpnc/internal/server"
	"github.com/dantte-lp/govpnc/internal/tun"
	"github.com/dantte-lp/govpnc/internal/worker"
)

// testConfig returns a supervisor configuration with an IPv4 pool and the
// built-in credential backend.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Network.IPv4Network = "10.8.0.0/24"
	cfg.SecMod.Timeout = 2 * time.Second
	cfg.Auth.Plain = map[string]string{"alice": "secret"}
	return cfg
}

// harness bundles a supervisor wired to an in-process security module
// and a stub tunnel opener whose devices are pipe descriptors.
type harness struct {
	sup *server.Supervisor

	// tunReadFD is the read end of the most recent stub device's pipe;
	// bytes written through the passed descriptor surface here.
	tunReadFD int
}

// newHarness starts the security module and builds the supervisor. All
// goroutines and descriptors are cleaned up with the test.
func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := testConfig()
	logger := slog.New(slog.DiscardHandler)

	modFD, mainSecFD, err := ipc.Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	vhosts := map[string]*secmod.VHostConfig{
		"default": {
			Name:          "default",
			CookieTimeout: cfg.Auth.CookieTimeout,
			AuthSlack:     cfg.Auth.Slack,
			MOTD:          "hello",
		},
	}
	mod := secmod.NewModule(
		secmod.NewDB(logger),
		secmod.NewPlainAuthenticator(cfg.Auth.Plain),
		vhosts,
		logger,
	)

	modDone := make(chan struct{})
	go func() {
		defer close(modDone)
		_ = mod.Run(context.Background(), modFD)
	}()

	h := &harness{tunReadFD: -1}

	opener := func(_ tun.Config, leases *iplease.Leases, _ *slog.Logger) (*tun.Device, error) {
		var p [2]int
		if err := unix.Pipe(p[:]); err != nil {
			return nil, err
		}
		h.tunReadFD = p[0]
		return tun.NewDevice("vpns0", p[1], leases, logger), nil
	}

	sup, err := server.New(cfg, mainSecFD, logger, server.WithTunOpener(opener))
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	h.sup = sup

	t.Cleanup(func() {
		_ = unix.Close(mainSecFD)
		select {
		case <-modDone:
		case <-time.After(5 * time.Second):
			t.Error("security module did not stop")
		}
		_ = unix.Close(modFD)
		if h.tunReadFD >= 0 {
			_ = unix.Close(h.tunReadFD)
		}
	})

	return h
}

// startWorker attaches an in-process worker and returns its client.
// Closing the returned fd (done automatically in cleanup if the test did
// not) triggers the supervisor's teardown path.
func (h *harness) startWorker(t *testing.T) (*worker.Client, func()) {
	t.Helper()

	supFD, wkFD, err := ipc.Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	p := h.sup.AttachWorker(supFD, netip.MustParseAddrPort("192.0.2.50:51000"))

	served := make(chan struct{})
	go func() {
		defer close(served)
		h.sup.ServeWorker(p)
	}()

	closed := false
	closeWorker := func() {
		if closed {
			return
		}
		closed = true
		_ = unix.Close(wkFD)
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Error("worker serve loop did not end after close")
		}
	}
	t.Cleanup(closeWorker)

	return worker.NewClient(wkFD, 2*time.Second, slog.New(slog.DiscardHandler)), closeWorker
}

// authenticate drives the relayed init+cont exchange through the
// supervisor to the security module.
func authenticate(t *testing.T, c *worker.Client) []byte {
	t.Helper()

	initRep, err := c.AuthInit("default", "alice", "192.0.2.50", "test-agent", 1234)
	if err != nil {
		t.Fatalf("auth init: %v", err)
	}
	if initRep.Status != ipc.StatusAuthContinue {
		t.Fatalf("auth init status: got %d, want continue", initRep.Status)
	}

	contRep, err := c.AuthCont(initRep.SID, "secret")
	if err != nil {
		t.Fatalf("auth cont: %v", err)
	}
	if contRep.Status != ipc.StatusOK {
		t.Fatalf("auth cont status: got %d, want OK", contRep.Status)
	}
	return contRep.SID
}

// TestFullSessionLifecycle drives the complete admission flow: relayed
// authentication, cookie resolution with lease and tunnel provisioning,
// descriptor hand-off, stats, and teardown returning the leases.
func TestFullSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	c, closeWorker := h.startWorker(t)

	sid := authenticate(t, c)

	rep, tunFD, err := c.CookieAuth(sid)
	if err != nil {
		t.Fatalf("cookie auth: %v", err)
	}
	if tunFD < 0 {
		t.Fatal("no tunnel descriptor received")
	}
	t.Cleanup(func() { _ = unix.Close(tunFD) })

	if rep.Username != "alice" || rep.VHost != "default" {
		t.Errorf("identity: got %q@%q", rep.Username, rep.VHost)
	}
	if rep.MOTD != "hello" {
		t.Errorf("MOTD: got %q, want hello", rep.MOTD)
	}
	if rep.TunName != "vpns0" {
		t.Errorf("tun name: got %q, want vpns0", rep.TunName)
	}
	if rep.IPv4Local == "" || rep.IPv4Remote == "" || rep.IPv4Local == rep.IPv4Remote {
		t.Errorf("IPv4 lease: got local %q remote %q", rep.IPv4Local, rep.IPv4Remote)
	}

	// The passed descriptor is the worker's end of the session device:
	// bytes written through it surface at the supervisor-side pipe.
	msg := []byte("tunnel payload")
	if _, err := unix.Write(tunFD, msg); err != nil {
		t.Fatalf("write through passed fd: %v", err)
	}
	buf := make([]byte, len(msg))
	n, err := unix.Read(h.tunReadFD, buf)
	if err != nil {
		t.Fatalf("read supervisor pipe: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Errorf("through-fd payload: got %q, want %q", buf[:n], msg)
	}

	if err := c.PushStats(sid, 11, 22, 5); err != nil {
		t.Fatalf("push stats: %v", err)
	}

	v4Before, _ := h.sup.Leases().InUse()
	if v4Before != 2 {
		t.Errorf("leases in use during session: got %d, want 2", v4Before)
	}

	closeWorker()
	waitFor(t, func() bool { return h.sup.Procs().Len() == 0 })

	waitFor(t, func() bool {
		v4, _ := h.sup.Leases().InUse()
		return v4 == 0
	})
}

// TestCookieAuthUnknownSID verifies that an unknown cookie is refused and
// no lease leaks.
func TestCookieAuthUnknownSID(t *testing.T) {
	h := newHarness(t)
	c, _ := h.startWorker(t)

	bogus := make([]byte, secmod.SIDSize)
	bogus[0] = 0x7F

	_, tunFD, err := c.CookieAuth(bogus)
	if err == nil {
		t.Fatal("unknown cookie accepted")
	}
	if tunFD >= 0 {
		t.Error("descriptor passed for refused cookie")
	}

	if v4, _ := h.sup.Leases().InUse(); v4 != 0 {
		t.Errorf("leases leaked on refusal: %d in use", v4)
	}
}

// TestResumeCacheRoundTrip verifies the worker-facing TLS ticket cache.
func TestResumeCacheRoundTrip(t *testing.T) {
	h := newHarness(t)
	c, _ := h.startWorker(t)

	id := []byte("ticket-1")
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	if err := c.ResumeStore(id, data); err != nil {
		t.Fatalf("resume store: %v", err)
	}

	got, err := c.ResumeFetch(id)
	if err != nil {
		t.Fatalf("resume fetch: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("fetched ticket: got %x, want %x", got, data)
	}

	if err := c.ResumeDelete(id); err != nil {
		t.Fatalf("resume delete: %v", err)
	}

	got, err = c.ResumeFetch(id)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if got != nil {
		t.Errorf("deleted ticket still cached: %x", got)
	}
}

// TestWrongPasswordScoresBan verifies that failed exchanges accumulate
// ban points against the peer address.
func TestWrongPasswordScoresBan(t *testing.T) {
	h := newHarness(t)
	c, _ := h.startWorker(t)

	initRep, err := c.AuthInit("default", "alice", "192.0.2.50", "", 1)
	if err != nil {
		t.Fatalf("auth init: %v", err)
	}

	// Exhaust the retry bound; the terminal failure scores points.
	for i := 0; i < 3; i++ {
		if _, err := c.AuthCont(initRep.SID, "wrong"); err != nil {
			t.Fatalf("auth cont: %v", err)
		}
	}

	peer := netip.MustParseAddr("192.0.2.50")
	if got := h.sup.Bans().Score(peer); got == 0 {
		t.Error("no ban points recorded for failed exchange")
	}
}

// waitFor polls a condition with a deadline.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
