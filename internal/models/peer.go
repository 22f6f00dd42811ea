package models

import "time"

// Peer caches the last observed heartbeat for a machine in the mesh. Rows
// are created implicitly by the first heartbeat and expired by TTL, never
// explicitly removed by peers.
type Peer struct {
	MachineName   string `gorm:"primaryKey;size:64"`
	User          string `gorm:"size:64"`
	Host          string `gorm:"size:128"`
	TransportPath string `gorm:"size:512"` // transport binary location on the peer
	LastHeartbeat time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Online reports whether the peer's last heartbeat is within ttl of now.
func (p *Peer) Online(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.LastHeartbeat) < ttl
}
