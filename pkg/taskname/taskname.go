package taskname

const (
	// Distribution tasks
	DistributionRun = "credit:distribution:run"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
