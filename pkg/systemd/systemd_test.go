package systemd

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	sent, err := Ready()
	if err != nil || sent {
		t.Fatalf("Ready() = %v, %v; want no-op", sent, err)
	}
	if err := Watchdog(context.Background()); err != nil {
		t.Fatalf("Watchdog without WATCHDOG_USEC: %v", err)
	}
}

func TestNotifySendsState(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram not available: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	for _, tc := range []struct {
		send func() (bool, error)
		want string
	}{
		{Ready, "READY=1"},
		{Stopping, "STOPPING=1"},
		{func() (bool, error) { return Status("draining") }, "STATUS=draining"},
	} {
		sent, err := tc.send()
		if err != nil || !sent {
			t.Fatalf("send %q = %v, %v", tc.want, sent, err)
		}
		buf := make([]byte, 256)
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		if got := string(buf[:n]); got != tc.want {
			t.Fatalf("got %q, want %q", got, tc.want)
		}
	}
}
