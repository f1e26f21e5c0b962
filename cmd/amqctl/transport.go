package main

import (
	"fmt"
	"strings"

	"github.com/qvcloud/amq"
	"github.com/qvcloud/amq/brokers/kafka"
	"github.com/qvcloud/amq/brokers/memory"
	"github.com/qvcloud/amq/brokers/mqtt"
	"github.com/qvcloud/amq/brokers/nats"
	"github.com/qvcloud/amq/brokers/rabbitmq"
	"github.com/qvcloud/amq/brokers/rocketmq"
)

// local backs the "memory" transport for the lifetime of the process.
var local = memory.NewBroker()

// detectTransport maps a broker URI scheme to a transport name.
func detectTransport(uri string) (string, error) {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return "", fmt.Errorf("cannot detect transport from %q: no scheme", uri)
	}
	switch strings.ToLower(scheme) {
	case "amqp", "amqps":
		return "rabbitmq", nil
	case "nats", "tls":
		return "nats", nil
	case "kafka":
		return "kafka", nil
	case "rocketmq":
		return "rocketmq", nil
	case "mqtt", "mqtts", "tcp", "ssl", "ws", "wss":
		return "mqtt", nil
	case "memory":
		return "memory", nil
	}
	return "", fmt.Errorf("cannot detect transport from scheme %q", scheme)
}

func newTransport(name, uri string, log amq.Logger) (amq.Transport, error) {
	if name == "" {
		var err error
		if name, err = detectTransport(uri); err != nil {
			return nil, err
		}
	}
	switch name {
	case "rabbitmq":
		return rabbitmq.NewTransport(rabbitmq.WithConnectionName("amqctl"), rabbitmq.WithLogger(log)), nil
	case "nats":
		return nats.NewTransport(nats.WithName("amqctl")), nil
	case "kafka":
		return kafka.NewTransport(), nil
	case "rocketmq":
		return rocketmq.NewTransport(), nil
	case "mqtt":
		return mqtt.NewTransport(mqtt.WithClientPrefix("amqctl-")), nil
	case "memory":
		return local, nil
	}
	return nil, fmt.Errorf("unknown transport %q", name)
}
