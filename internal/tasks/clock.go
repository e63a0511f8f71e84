package tasks

import "time"

func wallClockMs() int64 {
	return time.Now().UnixMilli()
}
