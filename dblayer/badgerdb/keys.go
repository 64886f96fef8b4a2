package badgerdb

import (
	"encoding/binary"
	"fmt"
)

// Key prefixes that denote different tables in the key-value store.
//
// Every key is <keyType:4><userID>\x00<rest>, so all of a user's rows in one
// table share a prefix.
const (
	keyTypeUser            uint32 = 0
	keyTypeMedication      uint32 = 1
	keyTypeMedicationRxcui uint32 = 2
	keyTypeAlarm           uint32 = 3
	keyTypeIntake          uint32 = 4
)

func userPrefix(keyType uint32, userID string) []byte {
	key := make([]byte, 4, 4+len(userID)+1)
	binary.BigEndian.PutUint32(key[0:4], keyType)
	key = append(key, userID...)
	return append(key, 0)
}

func userKey(userID string) []byte {
	return userPrefix(keyTypeUser, userID)
}

func medicationKey(userID, medicationID string) []byte {
	return append(userPrefix(keyTypeMedication, userID), medicationID...)
}

// medicationRxcuiKey indexes medication IDs by rxcui to enforce uniqueness.
func medicationRxcuiKey(userID, rxcui string) []byte {
	return append(userPrefix(keyTypeMedicationRxcui, userID), rxcui...)
}

func alarmKey(userID, medicationID string) []byte {
	return append(userPrefix(keyTypeAlarm, userID), medicationID...)
}

// encodeDay maps a signed day number onto bytes whose lexicographic order
// matches numeric order.
func encodeDay(day int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(day)^(1<<63))
	return b
}

func decodeDay(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// intakeKey orders a user's intakes by day, then rxcui.
func intakeKey(userID string, day int64, rxcui string) []byte {
	key := append(userPrefix(keyTypeIntake, userID), encodeDay(day)...)
	return append(key, rxcui...)
}

func intakeDayPrefix(userID string, day int64) []byte {
	return append(userPrefix(keyTypeIntake, userID), encodeDay(day)...)
}

// dayFromIntakeKey extracts the day number from an intake key for userID.
func dayFromIntakeKey(userID string, key []byte) (int64, error) {
	start := len(userPrefix(keyTypeIntake, userID))
	if len(key) < start+8 {
		return 0, fmt.Errorf("intake key has wrong length; got %d, want at least %d", len(key), start+8)
	}
	return decodeDay(key[start : start+8]), nil
}
