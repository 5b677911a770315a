// Package events publishes one NATS notification per committed ledger
// mutation. Emission is observational: the in-memory commit is already done
// when a notification goes out, so publish failures are logged and counted
// but never unwind ledger state.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"transit-ledger/internal/registry"
	"transit-ledger/internal/reliability"
)

// NATSPublisher implements registry.EventSink and reliability.EventSink on
// top of a single NATS connection.
type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

// PublisherMetrics is the consumer-side metrics hook; main adapts the
// Prometheus collector to it.
type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("transit-ledger"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	if prefix == "" {
		prefix = "ledger"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// registry.EventSink

func (p *NATSPublisher) SchedulePublished(ev registry.ScheduleEvent) {
	p.publish(fmt.Sprintf("%s.schedule.published.%s", p.prefix, subjectToken(ev.Route)), ev)
}

func (p *NATSPublisher) ScheduleDeprecated(ev registry.ScheduleEvent) {
	p.publish(fmt.Sprintf("%s.schedule.deprecated.%s", p.prefix, subjectToken(ev.Route)), ev)
}

func (p *NATSPublisher) PublisherRoleChanged(ev registry.RoleEvent) {
	p.publish(fmt.Sprintf("%s.role.publisher", p.prefix), ev)
}

// reliability.EventSink

func (p *NATSPublisher) ArrivalRecorded(ev reliability.ArrivalEvent) {
	p.publish(fmt.Sprintf("%s.arrival.recorded.%s", p.prefix, subjectToken(ev.Route)), ev)
}

func (p *NATSPublisher) ThresholdChanged(ev reliability.ThresholdEvent) {
	p.publish(fmt.Sprintf("%s.threshold", p.prefix), ev)
}

func (p *NATSPublisher) OperatorRoleChanged(ev reliability.RoleEvent) {
	p.publish(fmt.Sprintf("%s.role.operator", p.prefix), ev)
}

func (p *NATSPublisher) publish(subject string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("event marshal error for %s: %v", subject, err)
		return
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		log.Printf("nats publish error for %s: %v", subject, err)
	}
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
