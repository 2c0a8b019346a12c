package utils

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const keyringService = "plancache"

func sessionKey(school string) string {
	return fmt.Sprintf("plancache::%s", school)
}

// SaveSession stores the plan API session cookie of a school in the system
// keyring.
func SaveSession(school, value string) error {
	if err := keyring.Set(keyringService, sessionKey(school), value); err != nil {
		return fmt.Errorf("could not save session for school %s: %w", school, err)
	}
	return nil
}

// LoadSession returns the stored session cookie of a school, or "" when none
// was saved.
func LoadSession(school string) (string, error) {
	v, err := keyring.Get(keyringService, sessionKey(school))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// DeleteSession forgets the session cookie of a school.
func DeleteSession(school string) error {
	err := keyring.Delete(keyringService, sessionKey(school))
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
