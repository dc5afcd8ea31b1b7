// Package wire is the boundary between the session engine and the messaging
// network client library.
//
// The engine only sees Dialer, Conn and the ordered Event stream. Addresses
// are digits-only international numbers for users, or opaque network
// addresses (containing '@') returned by JoinGroup and carried on Message.
package wire
