package control

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func startTestServer(t *testing.T, handler Handler) (*Server, *Client) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "pagemend.sock")

	srv, err := NewServer(socket, handler, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	client := NewClient(socket)
	client.SetTimeout(2 * time.Second)
	return srv, client
}

func TestStatusCommandRoundTrip(t *testing.T) {
	_, client := startTestServer(t, func(cmd Command) (map[string]interface{}, error) {
		if cmd.Type != CmdStatus {
			t.Errorf("handler saw type %q, want status", cmd.Type)
		}
		return map[string]interface{}{
			"session_id": "sess-1",
			"status":     "running",
			"iteration":  3,
		}, nil
	})

	resp, err := client.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("response not successful: %s", resp.Error)
	}
	if resp.Data["session_id"] != "sess-1" {
		t.Errorf("data = %v", resp.Data)
	}
}

func TestHaltCarriesReason(t *testing.T) {
	var gotReason string
	_, client := startTestServer(t, func(cmd Command) (map[string]interface{}, error) {
		gotReason = cmd.Reason
		return nil, nil
	})

	resp, err := client.Halt("operator requested halt")
	if err != nil {
		t.Fatalf("Halt failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("halt rejected: %s", resp.Error)
	}
	if gotReason != "operator requested halt" {
		t.Errorf("reason = %q", gotReason)
	}
}

func TestHandlerErrorSurfacesToClient(t *testing.T) {
	_, client := startTestServer(t, func(cmd Command) (map[string]interface{}, error) {
		return nil, errors.New("no active session")
	})

	resp, err := client.Stop()
	if err != nil {
		t.Fatalf("Stop transport failed: %v", err)
	}
	if resp.Success {
		t.Error("handler error reported as success")
	}
	if resp.Error != "no active session" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestClientFailsWhenServerDown(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	client.SetTimeout(500 * time.Millisecond)
	if _, err := client.Status(); err == nil {
		t.Error("expected connection error against missing socket")
	}
}

func TestStopIsIdempotentAndRemovesSocket(t *testing.T) {
	srv, client := startTestServer(t, func(cmd Command) (map[string]interface{}, error) {
		return nil, nil
	})

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if srv.IsRunning() {
		t.Error("server still marked running")
	}
	if _, err := client.Status(); err == nil {
		t.Error("client reached a stopped server")
	}
}
