package telephony

import (
	"encoding/xml"
	"fmt"
	"net/url"
)

// Markup response builders for provider webhooks. All builders return a
// complete XML document including the declaration.

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

type response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []interface{}
}

type sayVerb struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type hangupVerb struct {
	XMLName xml.Name `xml:"Hangup"`
}

type connectVerb struct {
	XMLName xml.Name   `xml:"Connect"`
	Stream  streamNoun `xml:"Stream"`
}

type streamNoun struct {
	URL string `xml:"url,attr"`
}

type dialVerb struct {
	XMLName  xml.Name `xml:"Dial"`
	CallerID string   `xml:"callerId,attr,omitempty"`
	Number   string   `xml:"Number"`
}

func render(verbs ...interface{}) string {
	out, err := xml.Marshal(response{Verbs: verbs})
	if err != nil {
		// The structures above cannot fail to marshal; keep the call
		// alive with an empty response rather than panicking mid-webhook.
		return xmlHeader + "<Response></Response>"
	}
	return xmlHeader + string(out)
}

// ConnectStream returns markup that opens a bidirectional audio stream to
// the given websocket URL
func ConnectStream(streamURL string) string {
	return render(connectVerb{Stream: streamNoun{URL: streamURL}})
}

// Dial returns markup that bridges the call to the target number using the
// given caller id
func Dial(target, callerID string) string {
	return render(dialVerb{CallerID: callerID, Number: target})
}

// SayHangup returns markup that speaks a message and ends the call
func SayHangup(message string) string {
	return render(sayVerb{Text: message}, hangupVerb{})
}

// TransferURL builds the redirect URL the provider fetches to execute a
// transfer, carrying the target and caller id as query parameters
func TransferURL(baseURL, target, callerID string) string {
	return fmt.Sprintf("%s/webhooks/voice/transfer?target=%s&callerId=%s",
		baseURL, url.QueryEscape(target), url.QueryEscape(callerID))
}
