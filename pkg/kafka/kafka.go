package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"goim-realtime/pkg/logger"
)

// Producer 异步生产者，发送失败只记录日志，不影响实时投递
type Producer struct {
	asyncProducer sarama.AsyncProducer
	log           logger.Logger
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// NewConfig 生产者默认配置
func NewConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = false
	config.Producer.Return.Errors = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Flush.Frequency = 50 * time.Millisecond
	return config
}

// InitProducer 初始化生产者
func InitProducer(brokers []string, log logger.Logger) (*Producer, error) {
	producer, err := sarama.NewAsyncProducer(brokers, NewConfig())
	if err != nil {
		return nil, err
	}
	return NewProducer(producer, log), nil
}

// NewProducer 包装已有的AsyncProducer
func NewProducer(producer sarama.AsyncProducer, log logger.Logger) *Producer {
	p := &Producer{asyncProducer: producer, log: log}
	p.wg.Add(1)
	go p.drainErrors()
	return p
}

func (p *Producer) drainErrors() {
	defer p.wg.Done()
	for perr := range p.asyncProducer.Errors() {
		p.log.Warn(context.Background(), "Kafka produce failed",
			logger.F("topic", perr.Msg.Topic), logger.F("error", perr.Err))
	}
}

// SendMessage 发送消息，key决定分区
func (p *Producer) SendMessage(ctx context.Context, topic string, key, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	select {
	case p.asyncProducer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭生产者并等待错误通道排空
func (p *Producer) Close() error {
	p.closeOnce.Do(func() {
		p.asyncProducer.AsyncClose()
		p.wg.Wait()
	})
	return nil
}
