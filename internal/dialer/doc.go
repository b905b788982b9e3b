// Package dialer opens the outbound origin connection for a proxy session,
// either directly or through one upstream proxy (HTTP CONNECT, HTTP CONNECT
// over the bit-inverting codec, SOCKS5 or SSH).
package dialer
