// Package netio provides the XDMCP manager's UDP socket.
//
// Linux-specific implementation uses golang.org/x/sys/unix to configure a
// single dual-stack socket (SO_REUSEADDR, IPV6_V6ONLY=0) that both receives
// Query/Request/... datagrams and sends replies, and to join the multicast
// group used by BroadcastQuery discovery (§4.3).
package netio
