package storage

import "poolScope/internal/model"

// Sink receives assembled pool records.
type Sink interface {
	PutPools(pools []model.NormalizedPool) error
}
