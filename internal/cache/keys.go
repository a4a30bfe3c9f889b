// Copyright 2025 James Ross
package cache

import "fmt"

// BinaryDataKey and BinaryRefcountKey produce the cache key layout fixed
// by the external interface: "/binaries/<sha256>" holds the downloaded
// bytes, "/binaries/<sha256>/refcount" holds the outstanding-analysis
// counter.
func BinaryDataKey(sha256 string) string {
	return fmt.Sprintf("/binaries/%s", sha256)
}

func BinaryRefcountKey(sha256 string) string {
	return fmt.Sprintf("/binaries/%s/refcount", sha256)
}
