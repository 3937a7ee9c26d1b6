package credit

import "strings"

// UserOwnerPrefix marks account owner IDs that belong to a
// registered user rather than a guest device.
const UserOwnerPrefix = "user_"

// OwnerID resolves a (device, optional user) pair to the canonical
// account owner ID: every registered user gets exactly one account
// regardless of device, while guests stay isolated per device.
func OwnerID(deviceID, userID string) string {
	if userID != "" {
		return UserOwnerPrefix + userID
	}
	return deviceID
}

// UserOwnerID returns the owner ID for a registered user.
func UserOwnerID(userID string) string {
	return UserOwnerPrefix + userID
}

// IsUserOwner reports whether ownerID belongs to a registered user.
func IsUserOwner(ownerID string) bool {
	return strings.HasPrefix(ownerID, UserOwnerPrefix)
}
