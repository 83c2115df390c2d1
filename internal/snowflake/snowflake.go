// Package snowflake mints the ephemeral 64-bit identifiers used for live
// connections: session IDs in the signaling layer and voice SSRCs derived
// from them. Persistent entities use UUIDs instead; these IDs only need to
// be unique for the lifetime of the process group.
package snowflake

import (
	"fmt"
	"sync"
	"time"
)

type Snowflake struct {
	Timestamp int64
	WorkerID  int64
	Increment int64
}

const (
	timestampLength int64 = 42
	timestampPos          = 64 - timestampLength
	workerLength    int64 = 10
	workerPos             = timestampPos - workerLength
	incrementLength       = 64 - (timestampLength + workerLength)
)

var (
	maxWorkerValue    = int64(1)<<workerLength - 1
	maxIncrementValue = int64(1)<<incrementLength - 1

	lastIncrement, lastTimestamp int64
	mutex                        sync.Mutex

	workerID    int64 = 0
	hasWorkerID       = false
)

func Setup(id int64) error {
	if id > maxWorkerValue {
		return fmt.Errorf("worker ID value exceeds maximum value of [%d]", maxWorkerValue)
	} else if !hasWorkerID {
		workerID = id
		hasWorkerID = true
		return nil
	}

	return fmt.Errorf("worker ID for snowflake generator has been already set")
}

func Generate() (int64, error) {
	mutex.Lock()
	defer mutex.Unlock()

	timestamp := time.Now().UnixMilli()
	if timestamp == lastTimestamp {
		lastIncrement += 1
		if lastIncrement > maxIncrementValue {
			return 0, fmt.Errorf("increment overflow after increment reached %d", lastIncrement)
		}
	} else {
		lastIncrement = 0
		lastTimestamp = timestamp
	}

	return timestamp<<timestampPos | workerID<<workerPos | lastIncrement, nil
}

func Extract(sessionID int64) Snowflake {
	return Snowflake{
		Timestamp: sessionID >> timestampPos,
		WorkerID:  (sessionID >> workerPos) & ((1 << workerLength) - 1),
		Increment: sessionID & ((1 << incrementLength) - 1),
	}
}

// Ssrc folds a session ID down to the 32-bit synchronization source
// carried in every voice datagram. The low bits hold the increment and
// worker, so concurrent sessions stay distinct.
func Ssrc(sessionID int64) uint32 {
	return uint32(sessionID) ^ uint32(sessionID>>32)
}
