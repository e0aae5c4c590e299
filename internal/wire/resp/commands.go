package resp

import "strings"

// Supported is the enumerated RESP command set this proxy serves. Commands
// outside this set get the fixed "unsupported command" error. Grounded on
// the command list enumerated for this proxy: plain get/set/del go through
// the tiered local cache same as memcache; everything else is forwarded
// to the backend's generic command passthrough since this proxy's local
// cache only models flat byte values, not hashes/lists/sets/sorted sets.
var Supported = map[string]bool{
	"GET": true, "SET": true, "DEL": true,

	"HDEL": true, "HGET": true, "HGETALL": true, "HINCRBY": true,
	"HKEYS": true, "HLEN": true, "HMGET": true, "HSET": true,
	"HVALS": true, "HEXISTS": true,

	"LINDEX": true, "LLEN": true, "LPOP": true, "LPUSH": true,
	"LRANGE": true, "RPOP": true, "RPUSH": true,

	"SADD": true, "SREM": true, "SDIFF": true, "SUNION": true,
	"SINTER": true, "SMEMBERS": true, "SISMEMBER": true,

	"ZADD": true, "ZCARD": true, "ZCOUNT": true, "ZINCRBY": true,
	"ZMSCORE": true, "ZRANGE": true, "ZRANK": true, "ZREM": true,
	"ZREVRANK": true, "ZSCORE": true, "ZUNIONSTORE": true,
}

// IsSupported reports whether name (case-insensitively) is in the
// enumerated command set.
func IsSupported(name string) bool {
	return Supported[strings.ToUpper(name)]
}

// IsCacheTiered reports whether name is one of the three scalar commands
// this proxy's local cache and write-through logic apply to (get/set/del);
// every other supported command bypasses the local tier entirely.
func IsCacheTiered(name string) bool {
	switch strings.ToUpper(name) {
	case "GET", "SET", "DEL":
		return true
	default:
		return false
	}
}
