// Package supervisor keeps the local brokerage gateway process alive.
//
// A Supervisor either launches the gateway itself (ExecLauncher) or, with a
// nil Launcher, watches a gateway started by something else. Readiness is
// decided by a Prober hitting the gateway's local API, not by the process
// being alive.
//
// # Restarts
//
// When a ready process exits, OnDown observers run, the exit is recorded in a
// sliding window and the process is restarted with exponential backoff. A
// restart that fails counts as another exit. Once UnstableExits exits fall
// inside UnstableWindow the supervisor stops restarting and EnsureRunning
// returns *UnstableError until the process is restarted by hand.
package supervisor
