package modconfig

import "time"

func wallClockMs() int64 {
	return time.Now().UnixMilli()
}
