// Package messaging is the vehicle-side publish/subscribe transport.
package messaging

import (
	"errors"
	"strings"
)

// Topic kinds.
const (
	KindCommand   = "command"
	KindTelemetry = "telemetry"
)

// CommandTopic is where the relay publishes commands for one vehicle.
func CommandTopic(prefix, vehicleID string) string {
	return join(prefix, vehicleID, KindCommand)
}

// TelemetryTopic is where one vehicle publishes telemetry.
func TelemetryTopic(prefix, vehicleID string) string {
	return join(prefix, vehicleID, KindTelemetry)
}

func join(prefix, id, kind string) string {
	return strings.Trim(prefix, "/") + "/" + id + "/" + kind
}

// ParseTopic splits prefix/{id}/{kind}.
func ParseTopic(prefix, topic string) (vehicleID, kind string, err error) {
	p := strings.Trim(prefix, "/") + "/"
	if !strings.HasPrefix(topic, p) {
		return "", "", errors.New("topic outside prefix: " + topic)
	}
	parts := strings.Split(strings.TrimPrefix(topic, p), "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", errors.New("malformed topic: " + topic)
	}
	return parts[0], parts[1], nil
}

// KafkaTopic maps a slash topic to a legal Kafka topic name.
func KafkaTopic(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}
