package chatclient

import "time"

// Timer 可取消的定时任务
type Timer interface {
	// Stop 取消任务，任务尚未执行时返回true
	Stop() bool
}

// Scheduler 定时任务调度，客户端所有的超时、退避和心跳都经由它
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

type systemScheduler struct{}

// SystemScheduler 基于time.AfterFunc的调度器
func SystemScheduler() Scheduler {
	return systemScheduler{}
}

func (systemScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

func (systemScheduler) Now() time.Time {
	return time.Now()
}
