package util

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestDebugfFollowsVerbose(t *testing.T) {
	var buf bytes.Buffer
	prevOut, prevVerbose := log.Writer(), Verbose()
	log.SetOutput(&buf)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		SetVerbose(prevVerbose)
	})

	SetVerbose(false)
	if Verbose() {
		t.Fatalf("verbose should be off")
	}
	Debugf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("debug output while quiet: %q", buf.String())
	}

	SetVerbose(true)
	if !Verbose() {
		t.Fatalf("verbose should be on")
	}
	Debugf("shown %d", 2)
	if !strings.Contains(buf.String(), "shown 2") {
		t.Fatalf("missing debug output: %q", buf.String())
	}
}
