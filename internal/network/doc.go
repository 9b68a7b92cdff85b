// Package network discovers the networks the host is attached to.
//
// Discovery reads interface addresses over netlink (no shell commands) and
// turns them into masked prefixes. Loopback, down and tunnel interfaces are
// skipped: a VPN tunnel subnet is not local network.
//
// The [Netlinker] interface allows the netlink calls to be mocked in tests.
package network
