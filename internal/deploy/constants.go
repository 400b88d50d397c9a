package deploy

import "time"

const (
	// DefaultContextTimeout bounds CLI commands that only query the cluster.
	DefaultContextTimeout = 120 * time.Second
)
