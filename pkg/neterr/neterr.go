// Package neterr defines the result codes returned by every public packetnet
// operation.
//
// A Code is an error value, so callers can compare with errors.Is even when the
// code has been wrapped around an operating system cause:
//
//	if errors.Is(err, neterr.ListenerListenFailed) { ... }
//
// Success is the zero value and is never returned as an error; operations
// return nil instead. It exists for the server's last-error register.
package neterr

import "errors"

// Code is a packetnet result code.
type Code int

const (
	Success Code = iota

	// Packet
	PacketInvalidDataSize
	PacketDataTooLarge
	PacketDataIsNil

	// Resolver
	ResolverInvalidPacketSize

	// Listener
	ListenerAlreadyListening
	ListenerInvalidPort
	ListenerListenFailed

	// Session
	SessionSendPacketIsNil
	SessionClosed

	// Server
	ServerAlreadyListening
	ServerSendPacketIsNil
	ServerSessionNotFound
	ServerSessionPoolFull

	// Client
	ClientSocketInUse
	ClientInvalidPort
	ClientInvalidHost
	ClientNotConnected

	// Unknown is reported for errors that carry no Code.
	Unknown
)

var codeText = map[Code]string{
	Success:                   "success",
	PacketInvalidDataSize:     "packet: data size out of range",
	PacketDataTooLarge:        "packet: data too large",
	PacketDataIsNil:           "packet: data is nil",
	ResolverInvalidPacketSize: "resolver: declared packet size out of range",
	ListenerAlreadyListening:  "listener: already listening",
	ListenerInvalidPort:       "listener: port must be 1-65535",
	ListenerListenFailed:      "listener: bind/listen failed",
	SessionSendPacketIsNil:    "session: send packet is nil",
	SessionClosed:             "session: connection closed",
	ServerAlreadyListening:    "server: already listening",
	ServerSendPacketIsNil:     "server: send packet is nil",
	ServerSessionNotFound:     "server: session not found",
	ServerSessionPoolFull:     "server: session pool exhausted",
	ClientSocketInUse:         "client: socket already in use",
	ClientInvalidPort:         "client: port must be 1-65535",
	ClientInvalidHost:         "client: host could not be resolved",
	ClientNotConnected:        "client: not connected",
	Unknown:                   "unknown error",
}

func (c Code) Error() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return "neterr: invalid code"
}

func (c Code) String() string { return c.Error() }

// Of extracts the Code carried by err. nil maps to Success and errors without a
// Code map to Unknown.
func Of(err error) Code {
	if err == nil {
		return Success
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Unknown
}
