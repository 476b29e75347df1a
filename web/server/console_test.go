package server

import (
	"fmt"
	"testing"
	"time"
)

func TestConsole_BasicLogging(t *testing.T) {
	console := NewConsole(10)

	fmt.Fprintf(console, "%s\n", "Test log message")

	msgs := console.Since(0)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Message != "Test log message" {
		t.Errorf("Expected message 'Test log message', got '%s'", msgs[0].Message)
	}
	if time.Since(msgs[0].Timestamp) > time.Second {
		t.Errorf("Timestamp seems too old: %v", msgs[0].Timestamp)
	}
}

func TestConsole_PartialLines(t *testing.T) {
	console := NewConsole(10)

	console.Write([]byte("first half"))
	if len(console.Since(0)) != 0 {
		t.Error("Expected unterminated line to be held back")
	}
	console.Write([]byte(" second half\nnext\n"))

	msgs := console.Since(0)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Message != "first half second half" || msgs[1].Message != "next" {
		t.Errorf("Expected joined lines, got %q and %q", msgs[0].Message, msgs[1].Message)
	}
}

func TestConsole_LimitAndSince(t *testing.T) {
	console := NewConsole(3)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(console, "Message %d\n", i)
	}

	msgs := console.Since(0)
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 kept messages, got %d", len(msgs))
	}
	if msgs[0].Seq != 2 || msgs[0].Message != "Message 2" {
		t.Errorf("Expected oldest kept message 2, got %d %q", msgs[0].Seq, msgs[0].Message)
	}

	if got := console.Since(4); len(got) != 1 || got[0].Message != "Message 4" {
		t.Errorf("Expected only message 4 since seq 4, got %v", got)
	}
	if got := console.Since(5); len(got) != 0 {
		t.Errorf("Expected no messages since seq 5, got %v", got)
	}
}
