// Package serviceaccounts manages machine identities and their API keys.
//
// Keys are presented as "chk_" prefixed bearer secrets. Only the SHA-256
// hash of a key is ever stored; the plaintext is returned exactly once at
// issue time. Validation scans every active key and compares hashes in
// constant time, so a miss costs the same as a hit regardless of which
// key matched.
package serviceaccounts
