// Package config loads the proxy's immutable startup configuration.
//
// The configuration is a YAML document with one optional section per
// listener ("http" for plaintext, "https" for TLS). A missing section
// disables that listener. Load("") falls back to the bundled default.
package config
