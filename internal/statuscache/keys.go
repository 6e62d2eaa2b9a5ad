package statuscache

import "time"

const (
	sagaStatusKeyPrefix = "saga:status:"

	// sagas are short-lived relative to this; the durable store is the
	// source of truth once the key expires
	StatusTTL = 14 * 24 * time.Hour
)

func statusKey(sagaID string) string {
	return sagaStatusKeyPrefix + sagaID
}
