// Package mqtt connects the gateway to an MQTT broker.
//
// The client wraps paho.mqtt.golang with auto-reconnect, a retained
// online/offline status on dorfbus/system/status (including the Last Will),
// subscription restoration after reconnect and panic-safe handlers.
//
// Topic names are built with Topics:
//
//	dorfbus/state/coil/{coil}      retained coil state
//	dorfbus/state/device/{device}  retained device state
//	dorfbus/command/coil/{coil}    switch request
//	dorfbus/command/tag/{tag}      switch request for a tag
//	dorfbus/ack/coil/{coil}        command outcome
//	dorfbus/ack/tag/{tag}          command outcome
//	dorfbus/health                 periodic gateway health
//
// Tests that need a live broker carry the integration build tag and expect
// Mosquitto at 127.0.0.1:1883.
package mqtt
