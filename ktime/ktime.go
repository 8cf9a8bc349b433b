package ktime

import (
	"time"

	"golang.org/x/sys/unix"
)

// Clock returns monotonic nanoseconds, the timestamp domain of every event.
type Clock interface {
	Now() uint64
}

// MonotonicClock reads CLOCK_MONOTONIC, the clock bpf_ktime_get_ns uses.
type MonotonicClock struct{}

func (MonotonicClock) Now() uint64 {
	d, err := Monotonic()
	if err != nil {
		return 0
	}
	return uint64(d)
}

func Monotonic() (time.Duration, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, err
	}
	return time.Duration(ts.Nano()), nil
}

// DecodeKtime converts a monotonic timestamp into wall-clock time.
func DecodeKtime(ktime uint64) (time.Time, error) {
	now, err := Monotonic()
	if err != nil {
		return time.Time{}, err
	}
	diff := time.Duration(int64(ktime) - int64(now))
	return time.Now().Add(diff), nil
}
