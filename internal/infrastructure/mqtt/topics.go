package mqtt

import "fmt"

// TopicPrefix is the root of every dorfbus topic.
const TopicPrefix = "dorfbus"

// Topics builds dorfbus MQTT topic names.
//
//	topics := mqtt.Topics{}
//	topics.CoilState("hall-light")   // dorfbus/state/coil/hall-light
//	topics.CoilCommand("hall-light") // dorfbus/command/coil/hall-light
type Topics struct{}

// CoilState is the retained state topic of a coil.
func (Topics) CoilState(coil string) string {
	return fmt.Sprintf("%s/state/coil/%s", TopicPrefix, coil)
}

// DeviceState is the retained state topic of a device.
func (Topics) DeviceState(device string) string {
	return fmt.Sprintf("%s/state/device/%s", TopicPrefix, device)
}

// CoilCommand is the command topic for switching a coil.
func (Topics) CoilCommand(coil string) string {
	return fmt.Sprintf("%s/command/coil/%s", TopicPrefix, coil)
}

// TagCommand is the command topic for switching every coil of a tag.
func (Topics) TagCommand(tag string) string {
	return fmt.Sprintf("%s/command/tag/%s", TopicPrefix, tag)
}

// CoilAck is where command outcomes for a coil are published.
func (Topics) CoilAck(coil string) string {
	return fmt.Sprintf("%s/ack/coil/%s", TopicPrefix, coil)
}

// TagAck is where command outcomes for a tag are published.
func (Topics) TagAck(tag string) string {
	return fmt.Sprintf("%s/ack/tag/%s", TopicPrefix, tag)
}

// Health is the gateway health topic.
func (Topics) Health() string {
	return TopicPrefix + "/health"
}

// SystemStatus carries the retained online/offline status and the LWT.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllCoilCommands matches every coil command.
func (Topics) AllCoilCommands() string {
	return TopicPrefix + "/command/coil/+"
}

// AllTagCommands matches every tag command.
func (Topics) AllTagCommands() string {
	return TopicPrefix + "/command/tag/+"
}

// AllTopics matches all dorfbus traffic.
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}

// LastSegment returns the final level of a topic, which for command topics is
// the coil or tag name.
func LastSegment(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return topic
}
