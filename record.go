package sqlstore

import "github.com/google/uuid"

// StoredEvent is an immutable domain event as persisted by a recorder.
// State is stored and returned verbatim - the store never inspects it.
type StoredEvent struct {
	OriginatorID      uuid.UUID
	OriginatorVersion int64
	Topic             string
	State             []byte
}

// Notification is a globally ordered, numbered view of a stored
// application event, consumed by downstream projections and process
// managers.
//
// IDs are strictly increasing but not necessarily contiguous - a rolled
// back batch insert may leave a gap. Consumers must tolerate gaps and
// rely on ordering only.
type Notification struct {
	ID                int64
	OriginatorID      uuid.UUID
	OriginatorVersion int64
	Topic             string
	State             []byte
}

// Tracking is a consumer watermark - the highest notification id the
// named upstream application's consumer has durably processed.
type Tracking struct {
	ApplicationName string
	NotificationID  int64
}

type storedEventRecord struct {
	ID                int64     `gorm:"primaryKey;autoIncrement"`
	OriginatorID      uuid.UUID `gorm:"type:uuid;not null"`
	OriginatorVersion int64     `gorm:"not null"`
	Topic             string    `gorm:"not null"`
	State             []byte    `gorm:"not null"`
}

type snapshotRecord struct {
	OriginatorID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	OriginatorVersion int64     `gorm:"primaryKey;autoIncrement:false"`
	Topic             string    `gorm:"not null"`
	State             []byte    `gorm:"not null"`
}

type trackingRecord struct {
	ApplicationName string `gorm:"primaryKey;size:32"`
	NotificationID  int64  `gorm:"not null"`
}

// cloneBytes detaches a payload from any driver owned buffer so the
// returned state is a stable, byte exact copy.
func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))

	copy(out, b)

	return out
}
