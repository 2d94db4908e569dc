// Package redpanda carries report and concept events over Kafka-compatible
// brokers with franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names used by the reconciliation services
const (
	TopicReportsSubmitted  = "rxrecon.reports.submitted"
	TopicReportsReconciled = "rxrecon.reports.reconciled"
	TopicConceptsResolved  = "rxrecon.concepts.resolved"
	TopicDeadLetter        = "rxrecon.dlq"
)

// reportMessageBytes fits a whole report in one record
const reportMessageBytes = 16 << 20

// TopicConfig describes one topic the services expect
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

func topic(name string, partitions int32, retention time.Duration, maxBytes int) TopicConfig {
	configs := map[string]*string{
		"compression.type": kadm.StringPtr("lz4"),
	}
	if retention > 0 {
		configs["cleanup.policy"] = kadm.StringPtr("delete")
		configs["retention.ms"] = kadm.StringPtr(strconv.FormatInt(retention.Milliseconds(), 10))
	} else {
		// latest concept per RxCUI
		configs["cleanup.policy"] = kadm.StringPtr("compact")
	}
	if maxBytes > 0 {
		configs["max.message.bytes"] = kadm.StringPtr(strconv.Itoa(maxBytes))
	}
	return TopicConfig{Name: name, Partitions: partitions, ReplicationFactor: 1, Configs: configs}
}

// DefaultTopicConfigs returns the topics the services expect to exist
func DefaultTopicConfigs() []TopicConfig {
	const day = 24 * time.Hour
	return []TopicConfig{
		topic(TopicReportsSubmitted, 6, day, reportMessageBytes),
		topic(TopicReportsReconciled, 6, 7*day, reportMessageBytes),
		topic(TopicConceptsResolved, 3, 0, 0),
		topic(TopicDeadLetter, 1, 30*day, reportMessageBytes),
	}
}

// Admin creates the topics before producers and consumers start
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client to brokers
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates every topic of DefaultTopicConfigs that is missing
func (a *Admin) EnsureTopics(ctx context.Context) error {
	for _, cfg := range DefaultTopicConfigs() {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}
		created, err := createdTopics(resp)
		if err != nil {
			return err
		}
		for _, name := range created {
			a.logger.Info("topic created",
				zap.String("topic", name),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// createdTopics returns the newly created topics of resp, treating topics
// that already exist as success
func createdTopics(resp kadm.CreateTopicResponses) ([]string, error) {
	var created []string
	for name, r := range resp {
		switch {
		case r.Err == nil:
			created = append(created, name)
		case errors.Is(r.Err, kerr.TopicAlreadyExists):
		default:
			return nil, fmt.Errorf("failed to create topic %s: %w", name, r.Err)
		}
	}
	sort.Strings(created)
	return created, nil
}
