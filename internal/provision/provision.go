// Package provision ensures the topics and subscriptions the relay depends on
// exist before any publisher or subscriber is opened.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/telhawk-systems/eventrelay/internal/logging"
	"github.com/telhawk-systems/eventrelay/internal/messaging"
	"github.com/telhawk-systems/eventrelay/internal/metrics"
)

// ErrProvisioning matches every *ProvisioningError.
var ErrProvisioning = errors.New("provisioning failed")

// Kinds of topology objects.
const (
	KindTopic        = "topic"
	KindSubscription = "subscription"
)

// ProvisioningError reports a failed existence check or create call.
type ProvisioningError struct {
	Op   string // "exists", "create" or "validate"
	Kind string
	Name string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision %s %q: %s: %v", e.Kind, e.Name, e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

func (e *ProvisioningError) Is(target error) bool { return target == ErrProvisioning }

// Topic is a handle to a topic known to exist.
type Topic struct {
	Name    string
	Created bool
}

// Subscription is a handle to a subscription known to exist.
type Subscription struct {
	Name    string
	Topic   string
	Created bool
}

// Topology names everything a pipeline needs. Topics are ensured before
// subscriptions.
type Topology struct {
	Topics        []string
	Subscriptions []SubscriptionSpec
}

// SubscriptionSpec binds a subscription name to its topic.
type SubscriptionSpec struct {
	Name  string
	Topic string
	Opts  []messaging.SubscribeOption
}

// Provisioner checks and creates topology through a messaging.Admin.
type Provisioner struct {
	admin  messaging.Admin
	logger *logging.Logger
}

// New creates a Provisioner.
func New(admin messaging.Admin, logger *logging.Logger) *Provisioner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Provisioner{admin: admin, logger: logger}
}

// EnsureTopic creates the topic if it is absent. Calling it again for the
// same name is a no-op.
func (p *Provisioner) EnsureTopic(ctx context.Context, name string) (Topic, error) {
	if name == "" {
		return Topic{}, &ProvisioningError{Op: "validate", Kind: KindTopic, Err: errors.New("name is required")}
	}

	exists, err := p.admin.TopicExists(ctx, name)
	if err != nil {
		return Topic{}, &ProvisioningError{Op: "exists", Kind: KindTopic, Name: name, Err: err}
	}
	if exists {
		p.logger.DebugContext(ctx, "topic exists", logging.Topic(name))
		return Topic{Name: name}, nil
	}

	if err := p.admin.CreateTopic(ctx, name); err != nil {
		// Lost a race with another provisioner.
		if errors.Is(err, messaging.ErrAlreadyExists) {
			return Topic{Name: name}, nil
		}
		return Topic{}, &ProvisioningError{Op: "create", Kind: KindTopic, Name: name, Err: err}
	}

	metrics.ProvisionedTotal.WithLabelValues(KindTopic).Inc()
	p.logger.InfoContext(ctx, "topic created", logging.Topic(name))
	return Topic{Name: name, Created: true}, nil
}

// EnsureSubscription creates the subscription on topic if it is absent.
func (p *Provisioner) EnsureSubscription(ctx context.Context, name, topic string, opts ...messaging.SubscribeOption) (Subscription, error) {
	if name == "" || topic == "" {
		return Subscription{}, &ProvisioningError{
			Op:   "validate",
			Kind: KindSubscription,
			Name: name,
			Err:  errors.New("subscription and topic names are required"),
		}
	}

	exists, err := p.admin.SubscriptionExists(ctx, name, topic)
	if err != nil {
		return Subscription{}, &ProvisioningError{Op: "exists", Kind: KindSubscription, Name: name, Err: err}
	}
	if exists {
		p.logger.DebugContext(ctx, "subscription exists", logging.Subscription(name), logging.Topic(topic))
		return Subscription{Name: name, Topic: topic}, nil
	}

	if err := p.admin.CreateSubscription(ctx, name, topic, opts...); err != nil {
		if errors.Is(err, messaging.ErrAlreadyExists) {
			return Subscription{Name: name, Topic: topic}, nil
		}
		return Subscription{}, &ProvisioningError{Op: "create", Kind: KindSubscription, Name: name, Err: err}
	}

	metrics.ProvisionedTotal.WithLabelValues(KindSubscription).Inc()
	p.logger.InfoContext(ctx, "subscription created", logging.Subscription(name), logging.Topic(topic))
	return Subscription{Name: name, Topic: topic, Created: true}, nil
}

// EnsureTopology ensures every topic and then every subscription, stopping at
// the first failure.
func (p *Provisioner) EnsureTopology(ctx context.Context, t Topology) error {
	for _, name := range t.Topics {
		if _, err := p.EnsureTopic(ctx, name); err != nil {
			return err
		}
	}
	for _, s := range t.Subscriptions {
		if _, err := p.EnsureSubscription(ctx, s.Name, s.Topic, s.Opts...); err != nil {
			return err
		}
	}
	return nil
}
