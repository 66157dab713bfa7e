// Package chunks persists file content on the device.
//
// Two tables share the same layout: "chunks" holds data written locally
// and not uploaded yet, "blocks" caches data known to the server and is
// trimmed in least recently accessed order. Payloads are compressed with
// LZ4; the caller is responsible for encrypting them first if needed.
package chunks
