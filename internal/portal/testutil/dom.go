package testutil

import (
	"bytes"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

// ParseHTML parses a page body into a goquery document.
func ParseHTML(t testing.TB, body []byte) *goquery.Document {
	t.Helper()

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	return doc
}

// InputValue returns the value of the named input inside the form matched by
// formSelector, failing the test when the input is missing.
func InputValue(t testing.TB, doc *goquery.Document, formSelector, name string) string {
	t.Helper()

	value, ok := doc.Find(formSelector).Find(`input[name="` + name + `"]`).Attr("value")
	if !ok {
		t.Fatalf("input %q not found in %s", name, formSelector)
	}
	return value
}
