package telephony

import (
	"strings"
	"testing"
)

func TestConnectStream(t *testing.T) {
	got := ConnectStream("wss://voice.example.com/stream/call-1")
	if !strings.Contains(got, `<Connect><Stream url="wss://voice.example.com/stream/call-1"></Stream></Connect>`) {
		t.Errorf("unexpected markup: %s", got)
	}
	if !strings.HasPrefix(got, `<?xml version="1.0" encoding="UTF-8"?>`) {
		t.Error("missing XML declaration")
	}
}

func TestDial(t *testing.T) {
	got := Dial("+15551234567", "+15559876543")
	if !strings.Contains(got, `callerId="+15559876543"`) {
		t.Errorf("missing caller id: %s", got)
	}
	if !strings.Contains(got, "<Number>+15551234567</Number>") {
		t.Errorf("missing target number: %s", got)
	}
}

func TestSayHangup(t *testing.T) {
	got := SayHangup("We are sorry, please try again later.")
	sayIdx := strings.Index(got, "<Say>")
	hangupIdx := strings.Index(got, "<Hangup>")
	if sayIdx == -1 || hangupIdx == -1 {
		t.Fatalf("missing verbs: %s", got)
	}
	if sayIdx > hangupIdx {
		t.Error("Say must precede Hangup")
	}
}

func TestTransferURLEscapesParams(t *testing.T) {
	got := TransferURL("https://voice.example.com", "+15551234567", "+15559876543")
	if !strings.Contains(got, "target=%2B15551234567") {
		t.Errorf("target not escaped: %s", got)
	}
	if !strings.Contains(got, "callerId=%2B15559876543") {
		t.Errorf("callerId not escaped: %s", got)
	}
}
