package chatclient

import "time"

// Backoff 指数退避：min(Initial * Multiplier^(attempt-1), Max)
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff 1s起步，翻倍，上限10s
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Multiplier: 2, Max: 10 * time.Second}
}

// Delay 第attempt次重连前的等待时间，attempt从1开始
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		delay *= b.Multiplier
		if delay >= float64(b.Max) {
			return b.Max
		}
	}
	if d := time.Duration(delay); d < b.Max {
		return d
	}
	return b.Max
}
