package itc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Tester is a person to invite to (or remove from) external testing.
type Tester struct {
	Email     string
	FirstName string
	LastName  string
}

// TesterRecord is one entry of the tester list returned by the portal.
type TesterRecord struct {
	Email     string
	FirstName string
	LastName  string
	Testing   bool
}

// StatusCode is the `statusCode` field of a tester endpoint response. The portal
// is not consistent about its type so numbers are kept as their literal text.
type StatusCode string

func (s *StatusCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		unquoted, err := strconv.Unquote(string(data))
		if err != nil {
			return fmt.Errorf("decode status code: %w", err)
		}
		*s = StatusCode(unquoted)
		return nil
	}
	var number json.Number
	err := json.Unmarshal(data, &number)
	if err != nil {
		return fmt.Errorf("decode status code: %w", err)
	}
	*s = StatusCode(number.String())
	return nil
}

func (s StatusCode) String() string {
	return string(s)
}

type stringValue struct {
	Value string `json:"value"`
}

type emailValue struct {
	ErrorKeys []string `json:"errorKeys"`
	Value     string   `json:"value"`
}

type boolValue struct {
	Value bool `json:"value"`
}

type testerEntry struct {
	EmailAddress emailValue  `json:"emailAddress"`
	FirstName    stringValue `json:"firstName"`
	LastName     stringValue `json:"lastName"`
	Testing      boolValue   `json:"testing"`
}

type testersRequest struct {
	Users []testerEntry `json:"users"`
}

// users are kept raw so that counting does not depend on the shape of each entry.
// A nil Users means the response had no tester list at all.
type testersResponse struct {
	StatusCode StatusCode `json:"statusCode"`
	Data       struct {
		Users *[]json.RawMessage `json:"users"`
	} `json:"data"`
}

func (r testersResponse) users() ([]json.RawMessage, error) {
	if r.Data.Users == nil {
		return nil, ErrMissingTesterList
	}
	return *r.Data.Users, nil
}

func newTestersRequest(tester Tester, testing bool) testersRequest {
	return testersRequest{
		Users: []testerEntry{{
			EmailAddress: emailValue{ErrorKeys: []string{}, Value: tester.Email},
			FirstName:    stringValue{Value: tester.FirstName},
			LastName:     stringValue{Value: tester.LastName},
			Testing:      boolValue{Value: testing},
		}},
	}
}

func (e testerEntry) record() TesterRecord {
	return TesterRecord{
		Email:     e.EmailAddress.Value,
		FirstName: e.FirstName.Value,
		LastName:  e.LastName.Value,
		Testing:   e.Testing.Value,
	}
}
