package logger

import (
	"bytes"
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	SetLevel(WARN)
	defer SetLevel(INFO)

	Info("dev Host", "hidden %d", 1)
	Warn("dev Host", "shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("INFO line written at WARN level: %q", out)
	}
	if !strings.Contains(out, "[dev Host WARN ] shown 2") {
		t.Errorf("missing WARN line, got %q", out)
	}
}

func TestTraceIsMostVerbose(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	SetLevel(DEBUG)
	defer SetLevel(INFO)

	Trace("", "pdu")
	if buf.Len() != 0 {
		t.Errorf("TRACE written at DEBUG level: %q", buf.String())
	}

	SetLevel(TRACE)
	Trace("", "pdu")
	if !strings.Contains(buf.String(), "[TRACE] pdu") {
		t.Errorf("TRACE not written at TRACE level: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"trace":   TRACE,
		"DEBUG":   DEBUG,
		"warning": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestToJSONProtoMessage(t *testing.T) {
	msg, err := structpb.NewStruct(map[string]interface{}{"mtu": 185})
	if err != nil {
		t.Fatalf("NewStruct failed: %v", err)
	}
	out := ToJSON(msg)
	if !strings.Contains(out, "\"mtu\"") || !strings.Contains(out, "185") {
		t.Errorf("ToJSON(proto) = %q", out)
	}

	out = ToJSON(map[string]int{"handle": 3})
	if !strings.Contains(out, "\"handle\": 3") {
		t.Errorf("ToJSON(map) = %q", out)
	}
}
