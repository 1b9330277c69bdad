// Package chat keeps one Twitch IRC session connected under the user
// identity and routes prefixed chat lines to the command dispatcher.
//
// The session holds at most one client at a time. Connect tears the previous
// client down before creating the next one, and every client carries a
// generation number so late callbacks from a torn-down client are ignored.
// A disconnect that carries a transport error schedules one reconnect after
// ReconnectDelay; a clean disconnect does not. Attempts are not bounded.
package chat
