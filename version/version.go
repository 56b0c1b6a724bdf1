// Package version holds the client identification strings used in peer
// ids and tracker requests.
package version

// Bep20Prefix is the 8-byte Azureus-style client identifier embedded at
// the front of every generated peer id.
const Bep20Prefix = "-LT0001-"

// HTTPUserAgent is sent on every tracker announce.
const HTTPUserAgent = "livetorrent/0.1"
