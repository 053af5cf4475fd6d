package check

import (
	"fmt"

	"github.com/pkg/errors"
)

func message(msgAndArgs ...interface{}) string {
	switch {
	case len(msgAndArgs) == 1:
		return fmt.Sprintf("%v", msgAndArgs[0])
	case len(msgAndArgs) > 1:
		return fmt.Sprintf(msgAndArgs[0].(string), msgAndArgs[1:]...)
	default:
		return ""
	}
}

func check(condition bool, internalMessage string, msgAndArgs ...interface{}) error {
	if condition {
		return nil
	}
	msg := message(msgAndArgs...)
	if msg == "" {
		return errors.New(internalMessage)
	}
	return errors.Errorf("%s: %s", msg, internalMessage)
}

// True checks whether the condition is true. The method returns an error with
// the provided message if the check fails.
func True(condition bool, msgAndArgs ...interface{}) error {
	return check(condition, "expected true, got false", msgAndArgs...)
}

// False checks whether the condition is false. The method returns an error
// with the provided message if the check fails.
func False(condition bool, msgAndArgs ...interface{}) error {
	return check(!condition, "expected false, got true", msgAndArgs...)
}

// NotEmpty checks whether the string is non-empty. The method returns an
// error with the provided message if the check fails.
func NotEmpty(actual string, msgAndArgs ...interface{}) error {
	return check(len(actual) > 0, "expected a non-empty string", msgAndArgs...)
}

// In checks whether the actual value is in the expected slice. The method
// returns an error with the provided message if the check fails.
func In(actual string, expected []string, msgAndArgs ...interface{}) error {
	for _, e := range expected {
		if actual == e {
			return nil
		}
	}
	return check(false, fmt.Sprintf("%s not in %v", actual, expected), msgAndArgs...)
}

// GreaterThan checks whether the first argument is greater than the second.
// The method returns an error with the provided message if the check fails.
func GreaterThan(actual, expected int64, msgAndArgs ...interface{}) error {
	return check(actual > expected,
		fmt.Sprintf("%d is not greater than %d", actual, expected), msgAndArgs...)
}

// GreaterThanOrEqualTo checks whether the first argument is greater than or
// equal to the second. The method returns an error with the provided message
// if the check fails.
func GreaterThanOrEqualTo(actual, expected int64, msgAndArgs ...interface{}) error {
	return check(actual >= expected,
		fmt.Sprintf("%d is not greater than or equal to %d", actual, expected), msgAndArgs...)
}
