package models

import "time"

// WireGuardLease — аренда одного peer-слота майнера. Каталог peerN/ на диске
// производный от ID и принадлежит внешнему wg-серверу.
type WireGuardLease struct {
	ID        int       `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (WireGuardLease) TableName() string { return "miner_wireguard_configs" }

// Expired — истекла ли аренда к моменту now.
func (l WireGuardLease) Expired(now time.Time) bool { return l.ExpiresAt.Before(now) }
