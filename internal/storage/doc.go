// Package storage persists the seen-set: which announcements were already
// relayed, keyed by announcement id, with the timestamp recorded at that time.
//
// Every Save is a full overwrite. There is no pruning or expiry, and only a
// single process may write to a given store.
package storage
