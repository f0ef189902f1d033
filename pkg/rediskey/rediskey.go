package rediskey

import "fmt"

const (
	DistributionLockPrefix = "lock:distribution"
	SequencePrefix         = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildDistributionLockKey returns "lock:distribution:{agencyID}"
func BuildDistributionLockKey(agencyID string) string {
	return NamespaceKey(DistributionLockPrefix, agencyID)
}

// BuildDailySequenceKey returns "seq:{prefix}:{yymmdd}"
func BuildDailySequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, fmt.Sprintf("%s:%s", prefix, day))
}
