// Package session implements Warden's canonical session store.
//
// Each account holds at most one active login session at any instant. A new
// login replaces the previous session atomically: creation runs under a
// per-account critical section (a transactional advisory lock in Postgres)
// so concurrent logins for the same account are fully serialized while
// different accounts proceed independently.
//
// Session tokens are opaque random strings stored only as hashes
// (HMAC-SHA256 when WARDEN_TOKEN_HMAC_KEY is set; otherwise SHA-256 for
// dev/back-compat). Validity is a sliding window refreshed by activity,
// capped at a hard ceiling from creation. Expired and inactive rows are
// removed by a periodic sweep that never contends with session creation.
package session
