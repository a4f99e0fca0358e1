// Package cache implements the chunked on-disk store behind the mirror. Each
// remote file (hub + repo identity + path) owns one cache entry made of a
// sparse payload file addressed by chunk index and a record holding the chunk
// presence bitmap, size, fingerprint and access statistics. Records live in
// a badger index under StoragePath/.index so the store survives restarts;
// payloads live under StoragePath/files/<hub>/<kind>/<org>/<name>/<rev>/<path>.
//
// Writers never rewrite a present chunk: a second write of the same chunk is
// accepted only when its bytes are identical. Entries are reference counted
// so the eviction manager can reclaim whole files without disturbing readers.
package cache
