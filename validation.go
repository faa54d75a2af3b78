package main

import "unicode"

func isValidActionID(actionID string) bool {
	if actionID == "" || len(actionID) > 64 {
		return false
	}

	for _, r := range actionID {
		if r == '-' || r == '_' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return false
	}

	return true
}
