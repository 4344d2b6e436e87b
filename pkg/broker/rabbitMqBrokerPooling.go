package broker

import (
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"
)

// amqpChannel is the subset of *amqp.Channel the broker uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// amqpConnection is the subset of *amqp.Connection the broker uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type dialedConnection struct {
	*amqp.Connection
}

func (c dialedConnection) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
}

// dialAMQP opens a connection and logs when the server closes it.
var dialAMQP = func(url string, logger *slog.Logger) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			logger.Warn("rabbitmq connection closed", slog.Any("error", err))
		}
	}()

	return dialedConnection{conn}, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	connection, err := dialAMQP(r.settings.URL, r.logger)
	if err != nil {
		return err
	}
	r.connection = connection

	// Drain channels that belonged to the previous connection.
	close(r.channelPool)
	for stale := range r.channelPool {
		stale.channel.Close()
	}
	r.channelPool = make(chan *pooledChannel, r.settings.PoolSize)

	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	channel, err := connection.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()
	if err := channel.ExchangeDeclare(
		r.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		r.channelPool <- &pooledChannel{
			channel:     channel,
			notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
		}
	}

	r.logger.Info("rabbitmq connection, exchange, and channel pool initialized",
		slog.String("exchange", r.exchange), slog.Int("pool_size", r.settings.PoolSize))
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			lost := r.connection == nil || r.connection.IsClosed()
			r.mu.Unlock()
			if !lost {
				continue
			}
			r.logger.Info("attempting to reconnect to rabbitmq")
			if err := r.connectAndInitialize(); err != nil {
				r.logger.Warn("failed to reconnect to rabbitmq", slog.Any("error", err))
			} else {
				r.logger.Info("reconnected to rabbitmq")
			}
		case <-r.stopReconnect:
			r.logger.Debug("stopping rabbitmq connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	r.mu.Lock()
	pool, conn := r.channelPool, r.connection
	r.mu.Unlock()
	for {
		select {
		case pooledChan, ok := <-pool:
			if !ok {
				return nil, fmt.Errorf("rabbitmq broker closed")
			}
			select {
			case err := <-pooledChan.notifyClose:
				r.logger.Debug("discarding closed channel", slog.Any("error", err))
				continue
			default:
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			channel, err := conn.Channel()
			if err != nil {
				return nil, err
			}
			return &pooledChannel{
				channel:     channel,
				notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
			}, nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		r.logger.Debug("discarding closed channel", slog.Any("error", err))
		return
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		pooledChan.channel.Close()
		return
	}
	select {
	case r.channelPool <- pooledChan:
	default:
		pooledChan.channel.Close()
	}
}
