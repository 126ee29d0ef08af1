package ban_test

import (
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/govpnc/internal/ban"
)

// testConfig mirrors the scoring parameters of the end-to-end scenarios:
// a ban at 100 points, an hour-long scoring window, five-minute bans.
func testConfig() ban.Config {
	return ban.Config{
		MaxScore:      100,
		ResetTime:     3600 * time.Second,
		MinReauthTime: 300 * time.Second,
		PointsConnect: 1,
	}
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newEngine(t *testing.T, cfg ban.Config) (*ban.Engine, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	e := ban.NewEngine(cfg, slog.New(slog.DiscardHandler), ban.WithClock(clock.Now))
	return e, clock
}

// TestBanAccumulation walks the three-step accumulation scenario: 40+40
// points leave the peer admitted, the third 40 trips the ban, and the
// expiry set when the threshold was crossed is never pushed further.
func TestBanAccumulation(t *testing.T) {
	t.Parallel()

	e, clock := newEngine(t, testConfig())
	ip := netip.MustParseAddr("10.0.0.1")

	if banned := e.Record(ip, 40); banned {
		t.Fatal("banned after 40 points, want admitted")
	}
	if banned := e.Record(ip, 40); banned {
		t.Fatal("banned after 80 points, want admitted")
	}
	if got := e.Score(ip); got != 80 {
		t.Fatalf("score after two records: got %d, want 80", got)
	}

	expiresAfterSecond := e.Expires(ip)
	wantExpiry := clock.Now().Add(300 * time.Second)
	if !expiresAfterSecond.Equal(wantExpiry) {
		t.Fatalf("expiry after second record: got %v, want %v", expiresAfterSecond, wantExpiry)
	}

	if banned := e.Record(ip, 40); !banned {
		t.Fatal("not banned after 120 points, want banned")
	}
	if !e.Check(ip) {
		t.Error("check admitted a banned peer")
	}

	// The third record crossed the threshold at the same instant, so the
	// recorded expiry still equals the one captured after call two.
	if got := e.Expires(ip); !got.Equal(expiresAfterSecond) {
		t.Errorf("expiry moved on the banning record: got %v, want %v", got, expiresAfterSecond)
	}
}

// TestBanNoExtensionWhileBanned verifies the critical invariant: once the
// score is at or above the threshold, further records must not modify the
// expiry, or a polling client would stay banned forever.
func TestBanNoExtensionWhileBanned(t *testing.T) {
	t.Parallel()

	e, clock := newEngine(t, testConfig())
	ip := netip.MustParseAddr("203.0.113.9")

	e.Record(ip, 120)
	expires := e.Expires(ip)

	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		e.Record(ip, 50)
		if got := e.Expires(ip); !got.Equal(expires) {
			t.Fatalf("expiry extended while banned: got %v, want %v", got, expires)
		}
	}
}

// TestIPv6SlashSixtyFourCollapse verifies that two IPv6 addresses sharing
// their top 64 bits accumulate against a single entry.
func TestIPv6SlashSixtyFourCollapse(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, testConfig())

	a := netip.MustParseAddr("2001:db8::1")
	b := netip.MustParseAddr("2001:db8::ffff:ffff")

	if banned := e.Record(a, 60); banned {
		t.Fatal("banned after 60 points, want admitted")
	}
	if banned := e.Record(b, 60); !banned {
		t.Fatal("not banned after 120 shared points, want banned")
	}

	if got := e.Len(); got != 1 {
		t.Errorf("entry count: got %d, want 1 (addresses share a /64)", got)
	}
	if got := e.Score(a); got != 120 {
		t.Errorf("shared score: got %d, want 120", got)
	}
}

// TestIPv6DistinctPrefixesSeparate verifies that addresses in different
// /64s do not share scoring state.
func TestIPv6DistinctPrefixesSeparate(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, testConfig())

	e.Record(netip.MustParseAddr("2001:db8:0:1::1"), 60)
	e.Record(netip.MustParseAddr("2001:db8:0:2::1"), 60)

	if got := e.Len(); got != 2 {
		t.Errorf("entry count: got %d, want 2", got)
	}
}

// TestBanResetAfterWindow verifies that points recorded before the reset
// window lapsed are zeroed: 50 points at t=0 followed by 10 points at
// t=resetTime+1 leave a score of 10, not 60.
func TestBanResetAfterWindow(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	e, clock := newEngine(t, cfg)
	ip := netip.MustParseAddr("192.0.2.55")

	e.Record(ip, 50)
	clock.Advance(cfg.ResetTime + time.Second)
	e.Record(ip, 10)

	if got := e.Score(ip); got != 10 {
		t.Errorf("score after window lapse: got %d, want 10", got)
	}
}

// TestUnban verifies that unbanning zeroes both score and expiry.
func TestUnban(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, testConfig())
	ip := netip.MustParseAddr("198.51.100.3")

	e.Record(ip, 150)
	if !e.Check(ip) {
		t.Fatal("peer not banned before unban")
	}

	if !e.Unban(ip) {
		t.Fatal("unban found no entry")
	}
	if got := e.Score(ip); got != 0 {
		t.Errorf("score after unban: got %d, want 0", got)
	}
	if e.Check(ip) {
		t.Error("peer still refused after unban")
	}
}

// TestDisabledEngine verifies that a zero MaxScore turns every operation
// into a no-op reporting "not banned".
func TestDisabledEngine(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxScore = 0
	e, _ := newEngine(t, cfg)
	ip := netip.MustParseAddr("10.0.0.1")

	if e.Record(ip, 1000) {
		t.Error("disabled engine reported banned from Record")
	}
	if e.Check(ip) {
		t.Error("disabled engine reported banned from Check")
	}
	if got := e.Len(); got != 0 {
		t.Errorf("disabled engine tracked %d entries, want 0", got)
	}
}

// TestReap verifies that entries are removed only once both the ban has
// lifted and the scoring window has lapsed.
func TestReap(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	e, clock := newEngine(t, cfg)

	banned := netip.MustParseAddr("10.1.0.1")
	fresh := netip.MustParseAddr("10.1.0.2")

	e.Record(banned, 150)
	clock.Advance(cfg.ResetTime / 2)
	e.Record(fresh, 10)

	// Both bans have lifted. The first entry's scoring window has lapsed;
	// the second entry's window ends exactly now, so only the first goes.
	clock.Advance(cfg.ResetTime)

	removed := e.Reap(clock.Now())
	if removed != 1 {
		t.Fatalf("reaped %d entries, want 1", removed)
	}
	if got := e.Len(); got != 1 {
		t.Errorf("entries after reap: got %d, want 1", got)
	}

	clock.Advance(cfg.ResetTime)
	e.Reap(clock.Now())
	if got := e.Len(); got != 0 {
		t.Errorf("entries after final reap: got %d, want 0", got)
	}
}

// TestRecordTextUnparsable verifies that junk input is tolerated and
// treated as not banned.
func TestRecordTextUnparsable(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, testConfig())

	if e.RecordText("not-an-ip", 100) {
		t.Error("unparsable input reported banned")
	}
	if e.RecordText("", 100) {
		t.Error("empty input reported banned")
	}
}
