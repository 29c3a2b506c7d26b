package region

import (
	"github.com/rclone/kodo/endpoints"
)

const cacheKeyVersion = "qiniu-cache-key-v1"

// CacheKey renders the versioned bucket fingerprint used to key region and
// endpoint cache entries: the md5 of the uc endpoint group, optionally
// qualified by access key and bucket name.
func CacheKey(uc *endpoints.Endpoints, accessKey, bucket string) string {
	key := cacheKeyVersion + ":" + uc.Md5()
	if accessKey != "" || bucket != "" {
		key += ":" + accessKey + ":" + bucket
	}
	return key
}
