package itc

import (
	"bytes"
	"regexp"

	"github.com/PuerkitoBio/goquery"
)

// ActionFinder locates the path the login form submits to.
//
// The portal's markup is not under our control, swap the finder when it changes.
type ActionFinder interface {
	FindAction(body []byte) (string, error)
}

var formActionRegex = regexp.MustCompile(`(?:^|[\s"'])action="([^"]*)"`)

// TextActionFinder returns the value of the first action="..." attribute found by
// scanning the raw page text. It does not parse HTML.
type TextActionFinder struct{}

func (TextActionFinder) FindAction(body []byte) (string, error) {
	groups := formActionRegex.FindSubmatch(body)
	if len(groups) < 2 || len(groups[1]) == 0 {
		return "", ErrLoginFormNotFound
	}
	return string(groups[1]), nil
}

// DocumentActionFinder parses the page and returns the action of the first form
// that has one.
type DocumentActionFinder struct{}

func (DocumentActionFinder) FindAction(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	action := doc.Find("form[action]").First().AttrOr("action", "")
	if action == "" {
		return "", ErrLoginFormNotFound
	}
	return action, nil
}
