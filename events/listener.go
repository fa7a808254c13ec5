// Package events implements the change-event consumption of the
// gateway.
//
// Change events arrive as JSON messages on a message-passing source
// and are processed by a single consumer loop. Per-message error
// handling is isolated: a malformed payload, or a failing downstream
// call, is logged and dropped without stopping the loop.
package events

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/tollgate-io/tollgate/metrics"
)

// ChangeType of a change event.
type ChangeType string

const (
	ChangeCreated ChangeType = "CREATED"
	ChangeUpdated ChangeType = "UPDATED"
	ChangeDeleted ChangeType = "DELETED"
)

// ChangeEvent notifies the gateway that a configuration entity or data
// record changed. Events are transient, consumed once and discarded.
type ChangeEvent struct {
	EventID        string     `json:"eventId"`
	ChangeType     ChangeType `json:"changeType"`
	CollectionName string     `json:"collectionName"`
	RecordID       string     `json:"recordId"`
	TenantID       string     `json:"tenantId"`
}

// routeCollections are the collections whose record changes redefine
// the route table.
var routeCollections = map[string]bool{
	"collections":        true,
	"worker-assignments": true,
}

// Source delivers raw event messages. The channel is closed by the
// producer on shutdown.
type Source interface {
	Messages() <-chan []byte
}

// ChannelSource is a Source backed by a plain channel, used for
// in-process producers and tests.
type ChannelSource chan []byte

func (s ChannelSource) Messages() <-chan []byte { return s }

// ListenerOptions configure a Listener.
type ListenerOptions struct {
	Source Source

	// TriggerRefresh publishes a route-refresh signal. Called for
	// events on route-defining collections.
	TriggerRefresh func()

	// Invalidate drops the cached resource for (collection,
	// record id). Called for every event that carries a record
	// id.
	Invalidate func(ctx context.Context, collection, id string) error

	Metrics metrics.Metrics
}

// Listener is the single consumer of the change-event stream.
type Listener struct {
	opts ListenerOptions
}

func NewListener(o ListenerOptions) *Listener {
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}

	return &Listener{opts: o}
}

// Run consumes messages until the context is cancelled or the source
// channel is closed.
func (l *Listener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-l.opts.Source.Messages():
			if !ok {
				return
			}
			l.process(ctx, msg)
		}
	}
}

// process handles one message. It never panics out of the consumer
// loop: parse failures are dropped, and a failing cache invalidation
// does not suppress the refresh trigger.
func (l *Listener) process(ctx context.Context, msg []byte) {
	var e ChangeEvent
	if err := json.Unmarshal(msg, &e); err != nil {
		log.Errorf("dropping malformed change event: %v", err)
		l.opts.Metrics.IncCounter("events.malformed")
		return
	}

	if e.CollectionName == "" {
		log.Debugf("change event %s without collection, ignoring", e.EventID)
		return
	}

	l.opts.Metrics.IncCounter("events.received")

	if routeCollections[e.CollectionName] && l.opts.TriggerRefresh != nil {
		log.Infof("collection definition changed (record=%s, type=%s), triggering route refresh",
			e.RecordID, e.ChangeType)
		l.opts.TriggerRefresh()
	}

	if e.RecordID != "" && l.opts.Invalidate != nil {
		if err := l.opts.Invalidate(ctx, e.CollectionName, e.RecordID); err != nil {
			log.Warnf("failed to invalidate cached resource %s:%s: %v",
				e.CollectionName, e.RecordID, err)
			l.opts.Metrics.IncCounter("events.invalidate.failure")
		}
	}
}
