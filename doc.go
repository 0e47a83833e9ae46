// Package cafs implements a content-addressable filesystem cache
// wire-compatible with the npm cacache on-disk layout: content-v2 for
// hash-sharded blobs, index-v5 for an append-only, self-hashed
// key→metadata log. See the sri subpackage for the Subresource
// Integrity digest format both trees are keyed by.
//
// # Quick start
//
//	c, err := cafs.New("/var/cache/myapp")
//	if err != nil {
//	    return err
//	}
//	integrity, err := c.Put("my-key", []byte("hello world"))
//	if err != nil {
//	    return err
//	}
//	result, err := c.Get("my-key")
//
// # Verification and garbage collection
//
// Verify walks the content store, deletes unreferenced or corrupt
// blobs, and compacts the index to one line per surviving key:
//
//	stats, err := c.Verify()
//
// # Concurrency
//
// Cache has no in-process locks beyond WithMemoization's bookkeeping.
// All coordination between cooperating processes sharing a cache
// directory happens through filesystem primitives: content-addressed
// placement, O_APPEND index writes, and verify-time compaction.
package cafs
