// Package matrix implements session.Transport on top of mautrix.
//
// A tenant's credential record is a small JSON document naming the
// homeserver, user and access token. Matrix has no pairing flow, so a
// tenant without a token reports a "login-required" challenge until
// credentials are imported. Rooms play the part of chats: inbound
// messages carry the room ID as their address and Send targets a room.
package matrix
