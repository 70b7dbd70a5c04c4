// Package cache defines the content-addressed disk store that persists raw
// image bytes under StoragePath/<hex(sha256(key))>. The directory is flat: no
// subdirectories and no sidecar metadata, file size and modtime come from the
// filesystem. Reads run concurrently, writes go through temp file + rename so
// readers never observe a partial payload, same-key writers are serialized,
// and Clear acts as a barrier that excludes every other operation. A map-backed
// MemoryStore satisfies the same Store contract for tests and for callers that
// want no persistence at all.
package cache
