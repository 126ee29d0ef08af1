package secmod

import "log/slog"

// Accounter receives session accounting events. RADIUS accounting is an
// external collaborator implementing this contract; the default backend
// logs the events.
type Accounter interface {
	// SessionOpened fires when a worker binds the session.
	SessionOpened(e *ClientEntry)

	// SessionClosed fires on final teardown with the stats accumulated
	// in the entry.
	SessionClosed(e *ClientEntry)

	// Interim fires on periodic stats pushes.
	Interim(e *ClientEntry)
}

// LogAccounter writes accounting events to the log.
type LogAccounter struct {
	logger *slog.Logger
}

// NewLogAccounter creates the logging accounting backend.
func NewLogAccounter(logger *slog.Logger) *LogAccounter {
	return &LogAccounter{
		logger: logger.With(slog.String("component", "secmod.acct")),
	}
}

// SessionOpened implements Accounter.
func (a *LogAccounter) SessionOpened(e *ClientEntry) {
	a.logger.Info("accounting: session opened",
		slog.String("session", e.SafeID),
		slog.String("user", e.Acct.Username),
		slog.String("remote_ip", e.Acct.RemoteIP),
		slog.String("ipv4", e.Acct.IPv4),
		slog.String("ipv6", e.Acct.IPv6),
	)
}

// SessionClosed implements Accounter.
func (a *LogAccounter) SessionClosed(e *ClientEntry) {
	a.logger.Info("accounting: session closed",
		slog.String("session", e.SafeID),
		slog.String("user", e.Acct.Username),
		slog.Uint64("bytes_in", e.Acct.BytesIn),
		slog.Uint64("bytes_out", e.Acct.BytesOut),
		slog.Uint64("uptime_sec", uint64(e.Acct.Uptime)),
	)
}

// Interim implements Accounter.
func (a *LogAccounter) Interim(e *ClientEntry) {
	a.logger.Debug("accounting: interim update",
		slog.String("session", e.SafeID),
		slog.Uint64("bytes_in", e.Acct.BytesIn),
		slog.Uint64("bytes_out", e.Acct.BytesOut),
	)
}
