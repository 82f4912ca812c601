package types

import "time"

// InfrastructureHealth contains metadata service health metrics.
type InfrastructureHealth struct {
	Timestamp time.Time     `json:"timestamp"`
	Service   ServiceHealth `json:"service"`
	Storage   StorageHealth `json:"storage"`
	Cache     CacheHealth   `json:"cache"`
}

// ServiceHealth contains process runtime metrics.
type ServiceHealth struct {
	Status        string  `json:"status"` // healthy, degraded
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// StorageHealth describes the embedded store.
type StorageHealth struct {
	Status        string        `json:"status"`
	Path          string        `json:"path"`
	SizeBytes     int64         `json:"size_bytes"`
	SizeFormatted string        `json:"size_formatted"`
	Buckets       []BucketStats `json:"buckets"`
}

// BucketStats contains per-bucket key counts.
type BucketStats struct {
	Name string `json:"name"`
	Keys int    `json:"keys"`
}

// CacheHealth describes the optional response cache.
type CacheHealth struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}
