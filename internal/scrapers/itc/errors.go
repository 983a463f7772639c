package itc

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned by Login when the portal rejects the credentials.
	ErrAuthentication = errors.New("itc scraper: user or password incorrect")
	// ErrDuplicateInvite is returned by AddTester when the tester was already invited.
	ErrDuplicateInvite = errors.New("itc scraper: tester already invited")
	// ErrLoginFormNotFound is returned by Login when the login page has no form action.
	ErrLoginFormNotFound = errors.New("itc scraper: could not find login form action")
	// ErrMissingTesterList is returned when a testers response has no data.users list.
	ErrMissingTesterList = errors.New("itc scraper: response has no tester list")
	// ErrRemoveTester matches every RemoveTesterError with errors.Is.
	ErrRemoveTester = errors.New("itc scraper: remove tester failed")
)

// RemoveTesterError is returned by RemoveTester when the portal answers with a
// server error or silently keeps the tester.
type RemoveTesterError struct {
	Email  string
	Reason string
	// set when the response could not be understood
	Err error
}

func (e RemoveTesterError) Error() string {
	return fmt.Sprintf("itc scraper: %s", e.Reason)
}

func (e RemoveTesterError) Is(target error) bool {
	return target == ErrRemoveTester
}

func (e RemoveTesterError) Unwrap() error {
	return e.Err
}
