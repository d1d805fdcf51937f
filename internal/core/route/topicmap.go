package route

import "strings"

// TopicMap is the injectable rule tying topics to device ids. The
// default mirrors the dashboard's wire convention, but deployments
// with different topic layouts swap in their own implementation.
type TopicMap interface {
	// DeviceID extracts the device id addressed by an inbound topic.
	DeviceID(topic string) (string, bool)
	// CommandTopic is where outbound commands for a device go.
	CommandTopic(deviceID string) string
	// DataTopics are the subscription filters a connection needs to
	// receive all device traffic under this mapping.
	DataTopics() []string
}

// PatternTopicMap routes sensors/{id}/data and devices/{id}/status
// inbound, devices/{id}/cmd outbound.
type PatternTopicMap struct{}

func (PatternTopicMap) DeviceID(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[1] == "" {
		return "", false
	}
	switch {
	case parts[0] == "sensors" && parts[2] == "data":
		return parts[1], true
	case parts[0] == "devices" && parts[2] == "status":
		return parts[1], true
	}
	return "", false
}

func (PatternTopicMap) CommandTopic(deviceID string) string {
	return "devices/" + deviceID + "/cmd"
}

func (PatternTopicMap) DataTopics() []string {
	return []string{"sensors/+/data", "devices/+/status"}
}
