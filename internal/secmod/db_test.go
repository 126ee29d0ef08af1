package secmod_test

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dantte-lp/govpnc/internal/ipc"
	"github.com/dantte-lp/govpnc/internal/secmod"
)

// testVHost returns a vhost profile with the cookie knobs used across the
// dormancy tests.
func testVHost() *secmod.VHostConfig {
	return &secmod.VHostConfig{
		Name:          "default",
		CookieTimeout: 300 * time.Second,
		AuthSlack:     10 * time.Second,
	}
}

type dbClock struct {
	now time.Time
}

func (c *dbClock) Now() time.Time { return c.now }

func (c *dbClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newDB(t *testing.T, opts ...secmod.DBOption) *secmod.DB {
	t.Helper()
	return secmod.NewDB(slog.New(slog.DiscardHandler), opts...)
}

// TestSIDUniqueness creates many sessions and verifies all live
// identifiers are pairwise distinct.
func TestSIDUniqueness(t *testing.T) {
	t.Parallel()

	db := newDB(t)
	vhost := testVHost()

	seen := make(map[secmod.SID]struct{}, 500)
	for i := 0; i < 500; i++ {
		e, err := db.Create(vhost, "192.0.2.1", uint32(i))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if _, dup := seen[e.SID]; dup {
			t.Fatalf("create %d: duplicate SID %x", i, e.SID)
		}
		seen[e.SID] = struct{}{}
	}

	if got := db.Len(); got != 500 {
		t.Errorf("live entries: got %d, want 500", got)
	}
}

// TestSafeIDDerivation verifies that the log-safe label is exactly
// base64(SHA-1(SID)) and depends on nothing else.
func TestSafeIDDerivation(t *testing.T) {
	t.Parallel()

	var sid secmod.SID
	sid[15] = 0x01

	sum := sha1.Sum(sid[:])
	want := base64.StdEncoding.EncodeToString(sum[:])

	if got := secmod.SafeID(sid); got != want {
		t.Errorf("safe id: got %s, want %s", got, want)
	}

	// Same identifier, same label -- the derivation is pure.
	if first, second := secmod.SafeID(sid), secmod.SafeID(sid); first != second {
		t.Errorf("derivation not pure: %s != %s", first, second)
	}
}

// TestCreateHonorsRandomSource verifies that the identifier comes from the
// configured random source, which is how tests force known cookies.
func TestCreateHonorsRandomSource(t *testing.T) {
	t.Parallel()

	forced := make([]byte, secmod.SIDSize)
	forced[15] = 0x01

	db := newDB(t, secmod.WithRandom(bytes.NewReader(forced)))

	e, err := db.Create(testVHost(), "192.0.2.1", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !bytes.Equal(e.SID[:], forced) {
		t.Errorf("SID: got %x, want %x", e.SID, forced)
	}
	if e.SafeID != secmod.SafeID(e.SID) {
		t.Errorf("safe id not derived from SID")
	}
}

// TestCreateCollisionBounded verifies that a degenerate random source
// producing only colliding identifiers fails with ErrSIDCollision after
// the bounded number of attempts rather than looping.
func TestCreateCollisionBounded(t *testing.T) {
	t.Parallel()

	block := bytes.Repeat([]byte{0x42}, secmod.SIDSize)
	db := newDB(t, secmod.WithRandom(bytes.NewReader(bytes.Repeat(block, 16))))
	vhost := testVHost()

	if _, err := db.Create(vhost, "192.0.2.1", 1); err != nil {
		t.Fatalf("first create: %v", err)
	}

	_, err := db.Create(vhost, "192.0.2.1", 2)
	if !errors.Is(err, secmod.ErrSIDCollision) {
		t.Errorf("second create: got error %v, want ErrSIDCollision", err)
	}
}

// TestFindAndDelete verifies the lookup and removal paths.
func TestFindAndDelete(t *testing.T) {
	t.Parallel()

	db := newDB(t)

	e, err := db.Create(testVHost(), "192.0.2.1", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sid := e.SID

	if got := db.Find(sid); got != e {
		t.Fatal("find did not return the created entry")
	}

	db.Delete(e)
	if got := db.Find(sid); got != nil {
		t.Error("entry still found after delete")
	}
}

// TestDormancyInvalidatesOnServerDisconnect verifies the first dormancy
// rule: persistent cookies off plus a server-initiated (or timeout)
// disconnect deletes the entry as soon as the last worker unbinds.
func TestDormancyInvalidatesOnServerDisconnect(t *testing.T) {
	t.Parallel()

	for _, reason := range []uint32{ipc.ReasonServerDisconnect, ipc.ReasonSessionTimeout} {
		db := newDB(t)

		e, err := db.Create(testVHost(), "192.0.2.1", 1)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		sid := e.SID
		db.Bind(e)

		db.Expire(e, reason)

		if got := db.Find(sid); got != nil {
			t.Errorf("reason %d: entry survived, want deleted", reason)
		}
	}
}

// TestDormancyUserDisconnectShortGrace walks the cookie-resume scenario:
// the worker binds (in_use 1), disconnects as a user action, and the entry
// stays dormant with its expiry clamped to at most now+slack.
func TestDormancyUserDisconnectShortGrace(t *testing.T) {
	t.Parallel()

	clock := &dbClock{now: time.Unix(1700000000, 0)}
	db := newDB(t, secmod.WithDBClock(clock.Now))
	vhost := testVHost()

	e, err := db.Create(vhost, "192.0.2.1", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sid := e.SID

	db.Bind(e)
	if e.InUse != 1 {
		t.Fatalf("in_use after bind: got %d, want 1", e.InUse)
	}

	clock.Advance(5 * time.Second)
	db.Expire(e, ipc.ReasonUserDisconnect)

	if e.InUse != 0 {
		t.Fatalf("in_use after expire: got %d, want 0", e.InUse)
	}
	if got := db.Find(sid); got == nil {
		t.Fatal("entry deleted on user disconnect, want dormant")
	}

	maxExpiry := clock.Now().Add(vhost.AuthSlack)
	if e.ExpTime.After(maxExpiry) {
		t.Errorf("expiry %v beyond now+slack %v", e.ExpTime, maxExpiry)
	}
}

// TestDormancyOtherReasonFullLifetime verifies the third dormancy rule: a
// disconnect for any other reason keeps the session for the full cookie
// lifetime plus grace.
func TestDormancyOtherReasonFullLifetime(t *testing.T) {
	t.Parallel()

	clock := &dbClock{now: time.Unix(1700000000, 0)}
	db := newDB(t, secmod.WithDBClock(clock.Now))
	vhost := testVHost()

	e, err := db.Create(vhost, "192.0.2.1", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	db.Bind(e)
	clock.Advance(30 * time.Second)
	db.Expire(e, ipc.ReasonError)

	want := clock.Now().Add(vhost.CookieTimeout + vhost.AuthSlack)
	if !e.ExpTime.Equal(want) {
		t.Errorf("expiry after error disconnect: got %v, want %v", e.ExpTime, want)
	}
}

// TestExpiryMonotoneWhileBound verifies that binding never moves the
// expiry backwards.
func TestExpiryMonotoneWhileBound(t *testing.T) {
	t.Parallel()

	clock := &dbClock{now: time.Unix(1700000000, 0)}
	db := newDB(t, secmod.WithDBClock(clock.Now))

	e, err := db.Create(testVHost(), "192.0.2.1", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	db.Bind(e)
	first := e.ExpTime

	clock.Advance(60 * time.Second)
	db.Bind(e)
	second := e.ExpTime

	if second.Before(first) {
		t.Errorf("expiry moved backwards: %v -> %v", first, second)
	}
}

// TestReapRemovesDormantExpired verifies that only dormant, expired
// entries are reaped.
func TestReapRemovesDormantExpired(t *testing.T) {
	t.Parallel()

	clock := &dbClock{now: time.Unix(1700000000, 0)}
	db := newDB(t, secmod.WithDBClock(clock.Now))
	vhost := testVHost()

	dormant, err := db.Create(vhost, "192.0.2.1", 1)
	if err != nil {
		t.Fatalf("create dormant: %v", err)
	}
	dormantSID := dormant.SID

	bound, err := db.Create(vhost, "192.0.2.2", 2)
	if err != nil {
		t.Fatalf("create bound: %v", err)
	}
	db.Bind(bound)

	clock.Advance(vhost.CookieTimeout + vhost.AuthSlack + time.Minute)

	removed := db.Reap(clock.Now())
	if removed != 1 {
		t.Fatalf("reaped %d entries, want 1", removed)
	}
	if db.Find(dormantSID) != nil {
		t.Error("dormant expired entry survived reap")
	}
	if db.Find(bound.SID) == nil {
		t.Error("bound entry was reaped")
	}
}
