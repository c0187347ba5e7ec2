package hub

import "fmt"

// Frames exchanged with devices and operators. Tokens are case-sensitive.
const (
	MessageDelivered              = "MESSAGE_DELIVERED"
	MessageFailed                 = "MESSAGE_FAILED"
	MessageFailedNoUserIdentity   = "MESSAGE_FAILED:NoUserIdentity"
	MessageFailedNoDeviceAssigned = "MESSAGE_FAILED:NoDeviceAssigned"

	StatusConnected    = "WEMOS_STATUS:CONNECTED"
	StatusDisconnected = "WEMOS_STATUS:DISCONNECTED"

	// DeviceMessagePrefix tags device frames relayed to operators.
	DeviceMessagePrefix = "WEMOS_MSG:"

	CommandAutoOn  = "AUTO_ON"
	CommandHardOn  = "HARD_ON"
	CommandHardOff = "HARD_OFF"
)

// InitialCommand returns the command a freshly admitted device receives.
func InitialCommand(preset bool) string {
	if preset {
		return CommandHardOn
	}
	return CommandHardOff
}

// TimeMatched formats the operator notice for a matched condition.
func TimeMatched(message, id string) string {
	return fmt.Sprintf("TIME_MATCHED: %s: %s", message, id)
}
