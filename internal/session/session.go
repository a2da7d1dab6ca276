// Package session tracks live WebSocket connections in Redis so that any
// instance can tell which users are online and where they are connected.
package session
