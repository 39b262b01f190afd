// Package mq 封装 Kafka 生产者（群消息扇出事件）。
package mq

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/IBM/sarama"
)

// FanoutEvent 群消息扇出事件：消费组收到后批量刷新 user_rooms 索引。
type FanoutEvent struct {
	RoomID   string `json:"roomId"`
	MsgID    string `json:"msgId"`
	SenderID string `json:"senderId"`
	TS       int64  `json:"ts"`
}

type Producer struct {
	producer sarama.AsyncProducer
	topic    string
}

// NewProducer 建立异步生产者；brokers 为逗号分隔地址。
func NewProducer(brokers, topic string) (*Producer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Return.Errors = true
	p, err := sarama.NewAsyncProducer(strings.Split(brokers, ","), cfg)
	if err != nil {
		return nil, err
	}
	go func() {
		for err := range p.Errors() {
			log.Printf("mq.Producer async err=%v", err)
		}
	}()
	return &Producer{producer: p, topic: topic}, nil
}

// SendFanout 按房间分区投递扇出事件（同房间事件有序）。
func (p *Producer) SendFanout(ev *FanoutEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.RoomID),
		Value: sarama.ByteEncoder(b),
	}
	return nil
}

func (p *Producer) Close() error { return p.producer.Close() }
