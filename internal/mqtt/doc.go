// Package mqtt bridges the dashboard to the incubator controller over
// an MQTT broker.
//
// A [Bridge] owns one broker connection for its lifetime. It
// subscribes to the controller's status, sensors and response topics,
// keeps the last reported device status and sensor reading, and fans
// every decoded message out to registered observers. Operator commands
// go the other way: [Bridge.PublishCommand] validates a
// [telemetry.Command] and publishes it on the control topic.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. The
// broker may be reached over WebSocket (ws://, wss://) or TCP (mqtt://,
// mqtts://). Every connect starts a clean session and re-subscribes;
// lost connections are retried after a fixed delay.
package mqtt
