// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/tarancss/custody/lib/msg"
)

// Amqp implements a connection to a broker and a channel for reuse when publishing.
type Amqp struct {
	conn *amqp.Connection
	log  *zap.Logger

	mu sync.Mutex // guards ch
	ch *amqp.Channel
}

// New instantiates a new amqp broker.
func New(uri string, log *zap.Logger) (*Amqp, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to amqp broker: %w", err)
	}

	log.Info("connected to amqp broker")

	return &Amqp{conn: conn, log: log}, nil
}

// Setup obtains an amqp channel and declares the message broker exchanges (see package msg).
func (r *Amqp) Setup() error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("cannot open amqp channel: %w", err)
	}
	defer channel.Close()
	// declare exchanges
	for _, ex := range []string{msg.SyncExchange, msg.EventExchange} {
		if err = channel.ExchangeDeclare(ex, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("cannot declare exchange %s: %w", ex, err)
		}
	}

	return nil
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.mu.Lock()
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.log.Warn("error closing amqp channel", zap.Error(err))
		}

		r.ch = nil
	}
	r.mu.Unlock()

	return r.conn.Close()
}

// publish sends body as JSON to exchange with the given routing key, opening the shared channel if needed.
func (r *Amqp) publish(exchange, key, header string, body interface{}) error {
	jsonDoc, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("cannot marshal message: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return fmt.Errorf("cannot open amqp channel: %w", err)
		}
	}

	m := amqp.Publishing{
		Headers:      amqp.Table{"x-custody-name": header},
		Body:         jsonDoc,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
	}
	if err = r.ch.Publish(exchange, key, false, false, m); err != nil {
		// a failed publish closes the channel, open a new one next time
		r.ch = nil

		return fmt.Errorf("cannot publish to %s: %w", exchange, err)
	}

	return nil
}

// PublishTx publishes a transaction event to the "te" exchange
func (r *Amqp) PublishTx(net string, e msg.TxEvent) error {
	return r.publish(msg.EventExchange, net+"."+e.Direction+"."+e.Hash, net+"."+e.Hash, e)
}

// SendSyncRequest publishes a new sync request to the "sr" exchange
func (r *Amqp) SendSyncRequest(net string, sr msg.SyncReq) error {
	return r.publish(msg.SyncExchange, net+".sync."+sr.Address, net+"."+sr.Address, sr)
}

// GetSyncRequests consumes requests from the "sr" exchange for the specified network pushing them to the returned
// channel. The Mutex pointer is provided to ensure the consumed message has been fully dealt with by the management
// function, so the message consumed is only acknowledged when the mutex is unlocked.
func (r *Amqp) GetSyncRequests(net string, mut *sync.Mutex) (<-chan msg.SyncReq, <-chan error, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open amqp channel: %w", err)
	}

	queue := msg.SyncExchange + net
	// declare queue
	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, nil, fmt.Errorf("cannot declare queue %s: %w", queue, err)
	}
	// bind queue to exchange
	if err = ch.QueueBind(queue, net+".*.*", msg.SyncExchange, false, nil); err != nil {
		return nil, nil, fmt.Errorf("cannot bind queue %s: %w", queue, err)
	}
	// one request at a time, the next one is delivered after the ack
	if err = ch.Qos(1, 0, false); err != nil {
		return nil, nil, fmt.Errorf("cannot set qos: %w", err)
	}
	// create channel for receiving requests
	msgs, err := ch.Consume(queue, "reconciler-"+net, false, false, false, false, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot consume from %s: %w", queue, err)
	}
	// define channels to return
	reqs := make(chan msg.SyncReq)
	errs := make(chan error)
	// start routine to consume messages from broker
	go func() {
		defer close(reqs)
		defer close(errs)
		defer ch.Close()

		for m := range msgs {
			req := new(msg.SyncReq)
			if err := json.Unmarshal(m.Body, req); err != nil {
				// malformed requests are dropped, redelivering them would never succeed
				_ = m.Nack(false, false)
				errs <- fmt.Errorf("bad sync request: %w", err)

				continue
			}

			reqs <- *req

			mut.Lock() // wait for reconciler to finish processing the request
			_ = m.Ack(false)
		}
	}()

	return reqs, errs, nil
}
