// Package supervisor owns the lifecycle of every provider process.
//
// # Lifecycle
//
// Each provider has one lifecycle goroutine, and only that goroutine spawns
// or kills its process or changes its state:
//
//	Starting ──handshake ok──▶ Running ◀──ping ok── Degraded
//	    │                        │  └──ping missed──▶  │
//	    └──handshake failed──▶ Restarting ◀──missed twice / exit
//	                             │
//	                 budget exhausted ──▶ Stopped (terminal)
//
// The handshake is an initialize call answered within the handshake timeout,
// followed by tools/list whose result replaces the provider's tools in the
// registry. Pings are sent every heartbeat interval with a deadline of twice
// the interval.
//
// # Restart Policy
//
// Restarts back off exponentially from the base interval, doubling up to the
// maximum. At most MaxRestarts restarts fit in the rolling RestartWindow;
// the next failure moves the provider to Stopped and emits a fatal
// StateChange. Only an operator Restart revives it.
//
// When a process exits, every call pending on it fails with ProviderCrashed.
package supervisor
