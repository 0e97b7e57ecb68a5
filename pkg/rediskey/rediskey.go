package rediskey

import "fmt"

// Key prefixes shared by every process that talks to the same redis.
const (
	LockPrefix       = "rewards:lock"
	UserLockPrefix   = "rewards:lock:user"
	EntityLockPrefix = "rewards:lock:entity"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildUserLockKey returns "rewards:lock:user:{userID}"
func BuildUserLockKey(userID string) string {
	return NamespaceKey(UserLockPrefix, userID)
}

// BuildEntityLockKey returns "rewards:lock:entity:{entityType}:{entityID}"
func BuildEntityLockKey(entityType, entityID string) string {
	return NamespaceKey(EntityLockPrefix, NamespaceKey(entityType, entityID))
}
