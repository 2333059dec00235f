package limiter

// Storage types
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// shardCount is the number of independently locked partitions of the memory store.
const shardCount = 64

// redisKeyPrefix namespaces bucket hashes in redis.
const redisKeyPrefix = "ratelimit:"
