package rediskey

import "fmt"

const (
	LockPrefix     = "lock"
	SequencePrefix = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildLockKey returns "lock:{key}", e.g. "lock:investor:42".
func BuildLockKey(key string) string {
	return NamespaceKey(LockPrefix, key)
}

// BuildSequenceKey returns "seq:{prefix}:{day}"
func BuildSequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, NamespaceKey(prefix, day))
}
