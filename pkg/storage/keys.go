package storage

import (
	"fmt"
)

func snapshotKey(schoolID, date string) string {
	if schoolID == "" || date == "" {
		return ""
	}
	return fmt.Sprintf("%s|%s", schoolID, date)
}

func clonePayload(p []byte) []byte {
	if p == nil {
		return nil
	}
	dup := make([]byte, len(p))
	copy(dup, p)
	return dup
}
