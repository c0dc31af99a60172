// Package mqtt publishes VRM telemetry and bridge presence to an MQTT
// broker.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. A retained status
// topic tracks bridge presence: "online" is published on every
// (re-)connect, "offline" on graceful shutdown, and a broker-side will
// message covers unclean disconnects. Device payloads ride under the
// same base topic and are fire-and-forget — when the broker is away,
// messages are dropped, because the next poll cycle supersedes them
// anyway.
package mqtt
