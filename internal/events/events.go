// Package events publishes a small "analyze complete" notification to
// Kafka after a `record --analyze` run, for pipelines that gate merges
// on regressions without having to parse the canonical profile JSON
// themselves.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

// AnalyzeComplete is the event body published to the configured topic.
type AnalyzeComplete struct {
	RunID         string    `json:"runId"`
	Platform      string    `json:"platform"`
	FinishedAt    time.Time `json:"finishedAt"`
	HotspotCount  int       `json:"hotspotCount"`
	TopFrame      string    `json:"topFrame"`
	TopPercent    float64   `json:"topPercent"`
	TotalSeconds  float64   `json:"totalSeconds"`
}

// Target is a parsed `--publish-events <brokers>/<topic>` value.
type Target struct {
	Brokers []string
	Topic   string
}

// ParseTarget splits "host1:9092,host2:9092/topic-name" into its
// broker list and topic, the format --publish-events takes on the
// command line.
func ParseTarget(spec string) (Target, error) {
	idx := strings.LastIndex(spec, "/")
	if idx <= 0 || idx == len(spec)-1 {
		return Target{}, fmt.Errorf("--publish-events must look like brokers/topic, got %q", spec)
	}
	brokers := strings.Split(spec[:idx], ",")
	return Target{Brokers: brokers, Topic: spec[idx+1:]}, nil
}

// Publish sends evt as a single JSON message to target, opening and
// closing a producer per call since record publishes at most one
// event per invocation.
func Publish(target Target, evt AnalyzeComplete) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling analyze-complete event: %w", err)
	}

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	producer, err := sarama.NewSyncProducer(target.Brokers, cfg)
	if err != nil {
		return fmt.Errorf("connecting to kafka brokers %v: %w", target.Brokers, err)
	}
	defer producer.Close()

	msg := &sarama.ProducerMessage{
		Topic: target.Topic,
		Key:   sarama.StringEncoder(evt.RunID),
		Value: sarama.ByteEncoder(body),
	}
	_, _, err = producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publishing analyze-complete event: %w", err)
	}
	return nil
}
