package sessiondb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the nodeactivity table: one row per
// run of the daemon.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// SessionMessage is the information required to make an entry in the
// writesessions table: one multi-packet Write-IQ sequence, from the packet
// that reset the checksum to the packet flagged as the last write.
type SessionMessage struct {
	ID         string
	ActivityID string
	Channels   uint8
	Packets    uint64
	Samples    uint64
	Checksum   uint32
	Start      time.Time
	End        time.Time
}

// FaultMessage is the information for the faults table: a hardware overflow
// or underflow seen by an interrupt handler.
type FaultMessage struct {
	ActivityID string
	Kind       string
	Status     uint32
	Time       time.Time
}
