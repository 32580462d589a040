package redisx

import "time"

const (
	// Sellable stock per variant: stock:sellable:{variant_id} -> int
	KeySellable = "stock:sellable:%d"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLSellable = 30 * time.Second
	TTLDedup    = 48 * time.Hour
)
