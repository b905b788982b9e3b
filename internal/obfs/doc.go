// Package obfs implements the stream obfuscation codec applied at the raw
// socket boundary of the plaintext listener.
//
// Every byte is bit-inverted on the way in and on the way out. The transform
// is its own inverse, keeps no state between calls and never changes stream
// length or ordering, so it can sit underneath any buffering or framing.
// It hides protocol signatures from pattern matching; it is not encryption.
package obfs
