// Package memkv implements a small sharded key-value store with per-key
// TTL expiry.
//
// Values are byte slices, copied on write and on read. Expired keys are
// dropped lazily when a reader trips over them and reclaimed by a
// periodic sweep, so a dead key may linger invisibly for up to one sweep
// period. An optional byte cap rejects writes instead of evicting old
// keys.
package memkv
