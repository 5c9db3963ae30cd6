package kafka

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"mcp_gateway/backend/go/internal/config"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// DefaultProgressTopic is used when databases.kafka.topic is empty.
const DefaultProgressTopic = "gateway_progress"

// TopicOf returns the configured progress topic.
func TopicOf(cfg *config.KafkaConfig) string {
	if cfg.Topic == "" {
		return DefaultProgressTopic
	}
	return cfg.Topic
}

// EnsureTopic 连接到 Kafka 并在进度主题不存在时创建它。
func EnsureTopic(cfg *config.KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	topic := TopicOf(cfg)

	// 1. 建立管理连接
	conn, err := kafka.Dial("tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka 初始化连接失败: %w", err)
	}
	defer conn.Close()

	// 2. 获取已存在的主题
	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("无法读取 Kafka 分区信息: %w", err)
	}
	for _, p := range partitions {
		if p.Topic == topic {
			return nil
		}
	}

	// 3. 创建主题需要连接到 controller
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("无法获取 Kafka controller: %w", err)
	}
	ctrl, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("无法连接 Kafka controller: %w", err)
	}
	defer ctrl.Close()

	if err := ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}); err != nil {
		return fmt.Errorf("自动创建 Kafka 主题失败: %w", err)
	}
	logrus.WithField("topic", topic).Info("created kafka topic")
	return nil
}

// HealthCheck dials the first broker and asks for the controller.
func HealthCheck(ctx context.Context, cfg *config.KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Controller()
	return err
}
