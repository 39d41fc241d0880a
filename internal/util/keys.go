package util

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// maxRawKey bounds storage keys; longer ids are replaced by a hash.
const maxRawKey = 200

// StorageKey returns "<prefix>:<region>:<key>", hashing key when it is too long
// for byte stores that cap key sizes.
func StorageKey(prefix, region, key string) string {
	if len(key) > maxRawKey {
		key = "h" + strconv.FormatUint(xxhash.Sum64String(key), 16)
	}
	return prefix + ":" + region + ":" + key
}
