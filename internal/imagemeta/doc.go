// ABOUTME: Package documentation for image inspection
// ABOUTME: Reads dimensions, MIME type and animation without decoding pixels

// Package imagemeta inspects image bytes: pixel size, MIME type, and
// whether a GIF is animated. JPEG, PNG, GIF and WebP are recognized.
package imagemeta
