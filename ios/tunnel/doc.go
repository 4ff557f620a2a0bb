// Package tunnel manages the one packet tunnel of the process. The tunnel gives the application a fixed
// virtual address. Traffic to it is handed to a provider, which rewrites the addresses of every packet
// with the rewrite package so that it reaches the device address of the tunnel.
//
// # Lifecycle
//
// The Controller first probes the ProviderManager for an existing provider configuration:
//
// - no provider: the configuration gets created and saved, the manager is probed again and start continues
// with the live provider.
//
// - provider disconnected: the controller subscribes to status changes, asks the provider to start and
// waits up to StartTimeout for the first Connected status.
//
// - provider connected: start returns right away.
//
// Once connected, the peer the tunnel was started for is reachable at the virtual address, so the controller
// updates its address.
//
// Stop only asks the provider to disconnect. Observers follow the status stream to see it happen.
//
// # Status API
//
// ServeStatusAPI exposes the tunnel status, the known peers and the metrics on localhost so that other
// invocations of the command line can query and stop a running tunnel.
package tunnel
