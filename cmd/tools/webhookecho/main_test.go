package main

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPingReachesReceiver(t *testing.T) {
	var out bytes.Buffer
	srv := httptest.NewServer(newReceiver(&out))
	defer srv.Close()

	cmd := newPingCmd()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{srv.URL + "/hook", "--session", "s1", "--text", "hello"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	printed := out.String()
	if !strings.Contains(printed, "message.received session=s1") || !strings.Contains(printed, `"text": "hello"`) {
		t.Fatalf("unexpected receiver output: %s", printed)
	}
	if !strings.Contains(stdout.String(), "delivered message.received") {
		t.Fatalf("unexpected ping output: %s", stdout.String())
	}
}

func TestPingReportsNon2xx(t *testing.T) {
	var out bytes.Buffer
	srv := httptest.NewServer(newReceiver(&out))
	defer srv.Close()

	cmd := newPingCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{srv.URL + "/missing"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for 404 receiver")
	}
}
