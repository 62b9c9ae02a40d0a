// ABOUTME: Package documentation for asset encryption
// ABOUTME: Per-asset random keys with XChaCha20-Poly1305 and a SHA-256 digest

// Package assetcrypto seals asset bytes before upload and opens downloaded
// ones. Every asset gets a fresh random key; the digest is the hex SHA-256
// of the sealed bytes and lets receivers verify what they fetched.
package assetcrypto
