package snowflake

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// 64位ID结构：1位符号位(0) + 41位时间戳 + 10位机器ID + 12位序列号
const (
	machineBits  = 10
	sequenceBits = 12

	maxMachineID = (1 << machineBits) - 1
	maxSequence  = (1 << sequenceBits) - 1

	machineShift   = sequenceBits
	timestampShift = sequenceBits + machineBits

	// 2024-01-01 00:00:00 UTC
	defaultEpoch = 1704067200000

	// 可容忍的时钟回拨，超过则报错
	maxBackwardDrift = 5 * time.Millisecond
)

// ErrClockMovedBackwards 时钟回拨超过容忍范围
var ErrClockMovedBackwards = errors.New("clock moved backwards")

// Node 消息ID生成节点，每个进程使用不同的机器ID
type Node struct {
	mu        sync.Mutex
	machineID int64
	sequence  int64
	lastTime  int64
	now       func() int64
}

// NewNode 创建节点
func NewNode(machineID int64) (*Node, error) {
	if machineID < 0 || machineID > maxMachineID {
		return nil, fmt.Errorf("machine id must be within 0-%d", maxMachineID)
	}
	return &Node{
		machineID: machineID,
		now:       func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Next 生成下一个ID
func (n *Node) Next() (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if now < n.lastTime {
		if time.Duration(n.lastTime-now)*time.Millisecond > maxBackwardDrift {
			return 0, fmt.Errorf("%w: %dms", ErrClockMovedBackwards, n.lastTime-now)
		}
		// 小幅回拨沿用上次时间戳
		now = n.lastTime
	}

	if now == n.lastTime {
		n.sequence = (n.sequence + 1) & maxSequence
		if n.sequence == 0 {
			// 序列号用尽，等待下一毫秒
			for now <= n.lastTime {
				time.Sleep(100 * time.Microsecond)
				now = n.now()
			}
		}
	} else {
		n.sequence = 0
	}
	n.lastTime = now

	return ((now - defaultEpoch) << timestampShift) | (n.machineID << machineShift) | n.sequence, nil
}

// NextString 生成字符串形式的ID
func (n *Node) NextString() (string, error) {
	id, err := n.Next()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// Parse 拆解ID
func Parse(id int64) (createdAt time.Time, machineID int64, sequence int64) {
	createdAt = time.UnixMilli((id >> timestampShift) + defaultEpoch)
	machineID = (id >> machineShift) & maxMachineID
	sequence = id & maxSequence
	return
}
