package models

import "time"

// UnknownMiner — miner_uid по умолчанию, когда вызывающий его не передал.
const UnknownMiner = "unknown"

type Challenge struct {
	Challenge string     `gorm:"primaryKey;size:64" json:"challenge"`
	Response  string     `gorm:"size:64;not null" json:"response"`
	MinerUID  string     `gorm:"size:64;index" json:"miner_uid"`
	Created   time.Time  `gorm:"not null" json:"created"`
	Solved    *time.Time `json:"solved,omitempty"` // выставляется ровно один раз
}

func (Challenge) TableName() string { return "challenges" }
