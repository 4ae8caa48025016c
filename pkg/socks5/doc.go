/*
Package socks5 implements the client-facing side of socktail: a SOCKS5
(RFC 1928) proxy restricted to the CONNECT command with no authentication.

# Wire Messages

	Greeting:       [VER=5][NMETHODS][METHODS...]
	Greeting reply: [VER=5][METHOD]
	Request:        [VER=5][CMD][RSV=0][ATYP][DST.ADDR][DST.PORT(2, big-endian)]
	Reply:          [VER=5][REP][RSV=0][ATYP=1][0.0.0.0][0]

DST.ADDR is 4 bytes for IPv4, 16 bytes for IPv6, or a length byte followed
by that many bytes for a domain name.

# Connection Lifecycle

Every accepted connection is driven by a Session through the states

	AwaitingGreeting -> AwaitingRequest -> Connecting -> Relaying -> Closed

Parsing is done with the pure functions in protocol.go. The Session buffers
socket reads and only hands a buffer to the codec; a short buffer yields
ErrMalformedMessage and the Session keeps reading. A client that hangs up
partway through a message closes the session as malformed.

Targets are dialed through a Dialer. DirectDialer uses the local network
stack; the overlay network is not used for proxied traffic.

Once both sockets are up, Relay copies bytes in both directions and half-closes
each destination when its source reaches end-of-stream.
*/
package socks5
