// Package common contains shared constants and sentinel errors used across
// gophsync components.
package common

// AuthorizationHeaderName is the gRPC metadata key used to carry the device
// token on outbound requests.
const AuthorizationHeaderName = "authorization"

// DeviceIDHeaderName carries the device id next to its token so the server
// knows which verify key to check the token against.
const DeviceIDHeaderName = "device_id"
