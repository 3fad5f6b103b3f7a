// Package procutil probes and signals OS processes by pid. The lock manager
// uses Alive as its liveness proxy; the PID registry uses Terminate/Kill when
// reclaiming orphans.
package procutil
