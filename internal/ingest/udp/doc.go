// Package udp implements the UDP datagram source: a plain receive socket for
// unicast or wildcard addresses, or a multicast group membership for
// addresses in 224.0.0.0/4. Both bind with address reuse so the monitor can
// share a port with another consumer such as a player.
package udp
