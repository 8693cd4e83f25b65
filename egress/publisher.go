package egress

import "context"

// Publisher is the narrow surface the pump and roster need from an MQTT
// client. mqttclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}
