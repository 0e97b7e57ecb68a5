package taskname

const (
	// Sync tasks
	SyncDrain = "sync:drain"

	// Redemption tasks
	RedemptionExpire         = "redemption:expire"
	RedemptionOptionsRefresh = "redemption:options:refresh"
)
