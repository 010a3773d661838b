package databus

import (
	"context"
	"go.uber.org/atomic"
	"gopkg.in/Shopify/sarama.v1"
	"moff.io/moff-connect/internal/connect"
	"moff.io/moff-connect/pkg/errors"
	"moff.io/moff-connect/pkg/log"
	"strings"
)

type Event interface {
	Serialize() []byte
	Topic() string
}

// Keyed events are partitioned by their key.
type Keyed interface {
	Key() string
}

type DataBus struct {
	producer sarama.SyncProducer
	queue    chan Event
	dropped  atomic.Int64
	cancel   context.CancelFunc
	stopped  chan struct{}
}

var producer *DataBus

const queueSize = 1024

func InitDataBus(host string) {
	hosts := strings.Split(host, ",")
	conf := sarama.NewConfig()
	conf.Producer.Return.Successes = true
	if p, err := sarama.NewSyncProducer(hosts, conf); err != nil {
		log.Fatalf("Failed to create producer: %s", err)
	} else {
		producer = NewDataBus(p)
	}
	log.Info("Kafka producer initialized...")
}

func NewDataBus(p sarama.SyncProducer) *DataBus {
	return &DataBus{producer: p, queue: make(chan Event, queueSize)}
}

// GetDataBus returns the bus set up by InitDataBus, nil when kafka is off.
func GetDataBus() *DataBus {
	return producer
}

func (db *DataBus) PublishRaw(topic, key string, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.StringEncoder(raw),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	if _, _, err := db.producer.SendMessage(msg); err != nil {
		return errors.WrapAndReport(err, "produce message")
	}
	return nil
}

func (db *DataBus) Publish(e Event) (err error) {
	var key string
	if k, ok := e.(Keyed); ok {
		key = k.Key()
	}
	return db.PublishRaw(e.Topic(), key, e.Serialize())
}

func (db *DataBus) PublishLocal(e Event) (err error) {
	log.Infof("topic: %s message: %s", e.Topic(), string(e.Serialize()))
	return
}

// Enqueue hands e to the publishing goroutine without blocking. A full queue
// drops the event.
func (db *DataBus) Enqueue(e Event) bool {
	select {
	case db.queue <- e:
		return true
	default:
		if db.dropped.Inc()%100 == 1 {
			log.Warnf("databus queue full, %d events dropped so far", db.dropped.Load())
		}
		return false
	}
}

func (db *DataBus) Dropped() int64 {
	return db.dropped.Load()
}

// Start publishes queued events until ctx ends or Stop is called, then
// flushes what is left and closes the producer.
func (db *DataBus) Start(ctx context.Context) {
	ctx, db.cancel = context.WithCancel(ctx)
	db.stopped = make(chan struct{})
	go func() {
		defer close(db.stopped)
		defer func() {
			if err := db.producer.Close(); err != nil {
				log.Errorf("close kafka producer:%v", err)
			}
		}()
		for {
			select {
			case e := <-db.queue:
				db.publishQueued(e)
			case <-ctx.Done():
				for {
					select {
					case e := <-db.queue:
						db.publishQueued(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop ends a started bus and waits for the flush.
func (db *DataBus) Stop() {
	if db.cancel == nil {
		return
	}
	db.cancel()
	<-db.stopped
}

func (db *DataBus) publishQueued(e Event) {
	if err := db.Publish(e); err != nil {
		log.Errorf("publish %s event:%v", e.Topic(), err)
	}
}

type connectEvent struct {
	connect.Event
	topic string
}

func (e connectEvent) Topic() string {
	return e.topic
}

func (e connectEvent) Key() string {
	return e.Origin
}

// Emitter forwards controller events to topic, keyed by page origin.
func (db *DataBus) Emitter(topic string) connect.Emitter {
	return connect.EmitterFunc(func(e connect.Event) {
		db.Enqueue(connectEvent{Event: e, topic: topic})
	})
}
