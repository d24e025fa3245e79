package cmd

import (
	"fmt"

	"github.com/telhawk-systems/eventrelay/internal/config"
	"github.com/telhawk-systems/eventrelay/internal/logging"
	"github.com/telhawk-systems/eventrelay/internal/messaging"
	"github.com/telhawk-systems/eventrelay/internal/messaging/kafka"
	"github.com/telhawk-systems/eventrelay/internal/messaging/memory"
	"github.com/telhawk-systems/eventrelay/internal/messaging/nats"
	"github.com/telhawk-systems/eventrelay/internal/provision"
)

// openBroker connects to the configured broker. Tests replace it.
var openBroker = func(c *config.Config, log *logging.Logger) (messaging.Broker, error) {
	switch c.Broker.Kind {
	case config.BrokerNATS:
		natsCfg := nats.DefaultConfig()
		natsCfg.URL = c.NATS.URL
		natsCfg.Name = c.NATS.Name
		natsCfg.MaxReconnects = c.NATS.MaxReconnects
		natsCfg.ReconnectWait = c.NATS.ReconnectWait
		natsCfg.Timeout = c.NATS.Timeout
		natsCfg.Username = c.NATS.Username
		natsCfg.Password = c.NATS.Password
		natsCfg.Token = c.NATS.Token

		streams := nats.DefaultStreamConfig()
		if c.NATS.StreamMaxAge > 0 {
			streams.MaxAge = c.NATS.StreamMaxAge
		}
		b, err := nats.NewBroker(natsCfg, streams, log)
		if err != nil {
			return nil, err
		}
		return b, nil

	case config.BrokerKafka:
		b, err := kafka.NewBroker(
			kafka.WithBrokers(c.Kafka.Brokers...),
			kafka.WithPartitions(c.Kafka.Partitions, c.Kafka.ReplicationFactor),
		)
		if err != nil {
			return nil, err
		}
		return b, nil

	case config.BrokerMemory:
		log.Warn("using in-process memory broker; messages do not leave this process")
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("unknown broker kind %q", c.Broker.Kind)
	}
}

// subscribeOptions maps the relay settings onto subscription options.
// Messages left unacknowledged after a failure count against the broker's
// pending limit until redelivery, so the limit stays well above the relay's
// own concurrency.
func subscribeOptions(c *config.Config) []messaging.SubscribeOption {
	return []messaging.SubscribeOption{
		messaging.WithMaxInFlight(max(c.Relay.MaxInFlight*10, 100)),
		messaging.WithAckWait(c.Relay.AckWait),
		messaging.WithMaxDeliver(c.Relay.MaxDeliver),
	}
}

// relayTopology lists everything the relay command needs.
func relayTopology(c *config.Config) provision.Topology {
	topics := []string{c.Topology.Topic, c.Topology.TransformedTopic}
	if c.Topology.DeadLetterTopic != "" {
		topics = append(topics, c.Topology.DeadLetterTopic)
	}
	return provision.Topology{
		Topics: topics,
		Subscriptions: []provision.SubscriptionSpec{{
			Name:  c.Topology.Subscription,
			Topic: c.Topology.Topic,
			Opts:  subscribeOptions(c),
		}},
	}
}
