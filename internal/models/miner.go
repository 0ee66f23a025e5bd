package models

import (
	"time"

	"gorm.io/datatypes"
)

type MinerStatusValue string

const (
	MinerOnline        MinerStatusValue = "online"
	MinerOffline       MinerStatusValue = "offline"
	MinerCheat         MinerStatusValue = "cheat"
	MinerMisconfigured MinerStatusValue = "misconfigured"
)

// Valid — входит ли статус в допустимый набор.
func (s MinerStatusValue) Valid() bool {
	switch s {
	case MinerOnline, MinerOffline, MinerCheat, MinerMisconfigured:
		return true
	}
	return false
}

// MinerStatus — запись истории статусов. Только вставка, без обновлений.
type MinerStatus struct {
	ID       uint             `gorm:"primaryKey" json:"-"`
	MinerUID string           `gorm:"size:64;not null;index:idx_miner_status_uid_updated,priority:1" json:"miner_uid"`
	Status   MinerStatusValue `gorm:"size:32;not null" json:"status"`
	Updated  time.Time        `gorm:"not null;index:idx_miner_status_uid_updated,priority:2" json:"updated"`
}

func (MinerStatus) TableName() string { return "miner_status" }

// Verification — итог одной проверки туннеля.
type Verification struct {
	ID        uint             `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time        `json:"created_at"`
	MinerUID  string           `gorm:"size:64;index" json:"miner_uid"`
	PeerID    string           `gorm:"size:32" json:"peer_id"`
	Challenge string           `gorm:"size:64;index" json:"challenge,omitempty"`
	Valid     bool             `json:"valid"`
	Status    MinerStatusValue `gorm:"size:32" json:"status,omitempty"`
	Message   string           `gorm:"size:1024" json:"message"`
	MsToSolve int64            `json:"ms_to_solve,omitempty"`
	Reply     datatypes.JSON   `json:"reply,omitempty"` // JSON, полученный через туннель
}
