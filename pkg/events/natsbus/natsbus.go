// Package natsbus is the NATS JetStream-backed events.Bus, grounded on
// reva's pkg/events/stream.Nats: a go-micro/v4 events.Stream opened via the
// go-micro/plugins/v4/events/natsjs driver, with exponential-backoff retry
// on the initial connect the way stream.go's Nats() constructor does.
package natsbus

import (
	"context"
	"encoding/json"

	"github.com/cenkalti/backoff"
	"github.com/go-micro/plugins/v4/events/natsjs"
	"go-micro.dev/v4/events"

	"github.com/nexusfs/core/pkg/config"
	nxevents "github.com/nexusfs/core/pkg/events"
	"github.com/nexusfs/core/pkg/log"
)

var logger = log.New("events/natsbus")

// topic is the single stream FileEvents are published to; a deployment
// fanning events out to several consumer groups does so with
// events.WithGroup on Consume, not with separate topics.
const topic = "nexusfs.file-events"

type driverConfig struct {
	Address     string `mapstructure:"address"`
	ClusterID   string `mapstructure:"cluster_id"`
	TLSInsecure bool   `mapstructure:"tls_insecure"`
}

// Bus publishes FileEvents to a NATS JetStream stream.
type Bus struct {
	opts   []natsjs.Option
	stream events.Stream
}

// New builds a Bus from driver options; the JetStream connection itself is
// opened lazily in Start so construction never blocks.
func New(options map[string]interface{}) (*Bus, error) {
	c := &driverConfig{}
	if err := config.DecodeDriverOptions(options, c); err != nil {
		return nil, err
	}
	var opts []natsjs.Option
	if c.Address != "" {
		opts = append(opts, natsjs.Address(c.Address))
	}
	if c.ClusterID != "" {
		opts = append(opts, natsjs.ClusterID(c.ClusterID))
	}
	if c.TLSInsecure {
		opts = append(opts, natsjs.TLSInsecure())
	}
	return &Bus{opts: opts}, nil
}

// Start connects to the JetStream server, retrying with exponential backoff
// (mirroring stream.Nats) so a transient connect failure at boot doesn't
// abort the whole deployment.
func (b *Bus) Start() error {
	bo := backoff.NewExponentialBackOff()
	op := func() error {
		s, err := natsjs.NewStream(b.opts...)
		if err != nil {
			logger.Build().Msg(context.Background(), "can't connect to nats jetstream, retrying")
			return err
		}
		b.stream = s
		return nil
	}
	return backoff.Retry(op, bo)
}

// Publish marshals ev to JSON and publishes it to the shared file-events
// stream, tagged with its type so consumers written against the same
// nxevents.FileEvent can route without a schema registry.
func (b *Bus) Publish(ev nxevents.FileEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.stream.Publish(topic, payload, events.WithMetadata(map[string]string{
		"eventtype": string(ev.Type),
	}))
}

// Consume returns a channel of decoded FileEvents for the given consumer
// group, following the Consume/UnmarshalEvent split reva's pkg/events uses.
func (b *Bus) Consume(group string) (<-chan nxevents.FileEvent, error) {
	c, err := b.stream.Consume(topic, events.WithGroup(group))
	if err != nil {
		return nil, err
	}
	out := make(chan nxevents.FileEvent)
	go func() {
		defer close(out)
		for e := range c {
			var fe nxevents.FileEvent
			if err := json.Unmarshal(e.Payload, &fe); err != nil {
				logger.Build().Str("group", group).Msg(context.Background(), "dropping undecodable file event")
				continue
			}
			out <- fe
		}
	}()
	return out, nil
}
