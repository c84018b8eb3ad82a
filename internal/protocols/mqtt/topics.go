package mqtt

import (
	"fmt"
	"strings"
)

// Topic layout spoken by device firmware:
//
//	device/{id}/data              telemetry readings
//	device/{id}/status            online/offline announcements
//	device/{id}/heartbeat         liveness pings
//	device/{id}/command/response  acknowledgments for sent commands
//	device/{id}/firmware/status   upgrade progress reports
//
// Commands go out on device/{id}/command.
const (
	topicSegmentRoot = "device"

	kindData            = "data"
	kindStatus          = "status"
	kindHeartbeat       = "heartbeat"
	kindCommandResponse = "command/response"
	kindFirmwareStatus  = "firmware/status"
)

// subscriptionPatterns are the wildcard filters the adapter subscribes to on
// every (re)connect.
func subscriptionPatterns() []string {
	return []string{
		topicSegmentRoot + "/+/" + kindData,
		topicSegmentRoot + "/+/" + kindStatus,
		topicSegmentRoot + "/+/" + kindHeartbeat,
		topicSegmentRoot + "/+/" + kindCommandResponse,
		topicSegmentRoot + "/+/" + kindFirmwareStatus,
	}
}

// commandTopic builds the outbound command topic for a device.
func commandTopic(prefix, deviceID string) string {
	return fmt.Sprintf("%s/%s/command", prefix, deviceID)
}

// parseTopic splits an inbound topic into device id and message kind.
func parseTopic(topic string) (deviceID, kind string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != topicSegmentRoot || parts[1] == "" {
		return "", "", fmt.Errorf("unexpected topic shape: %q", topic)
	}

	return parts[1], strings.Join(parts[2:], "/"), nil
}
