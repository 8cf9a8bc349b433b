package procinfo

import (
	"time"

	"github.com/fanjindong/go-cache"
)

var (
	DefaultProcessCacheExpTime = 5 * time.Minute
	DefaultUserCacheExpTime    = 30 * time.Minute
	// a pid that could not be read is retried sooner
	DefaultMissCacheExpTime = 10 * time.Second
)

type LocalCaches struct {
	ProcessCache cache.ICache
	UserCache    cache.ICache
}

func InitLocalCaches() *LocalCaches {
	return &LocalCaches{
		ProcessCache: cache.NewMemCache(cache.WithClearInterval(10 * time.Minute)),
		UserCache:    cache.NewMemCache(cache.WithClearInterval(10 * time.Minute)),
	}
}
