package systemd

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func listen(t *testing.T) *net.UnixConn {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram not available: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", sock)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 256)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	sent, err := Ready()
	if err != nil || sent {
		t.Fatalf("sent=%v err=%v", sent, err)
	}
	t.Setenv("WATCHDOG_USEC", "")
	if d := WatchdogInterval(); d != 0 {
		t.Fatalf("interval = %v", d)
	}
}

func TestReadyStoppingAndWatchdog(t *testing.T) {
	conn := listen(t)

	if sent, err := Ready(); err != nil || !sent {
		t.Fatalf("ready: sent=%v err=%v", sent, err)
	}
	if got := read(t, conn); got != "READY=1" {
		t.Fatalf("got %q", got)
	}
	if _, err := Status("draining"); err != nil {
		t.Fatal(err)
	}
	if got := read(t, conn); got != "STATUS=draining" {
		t.Fatalf("got %q", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go Watchdog(ctx, 10*time.Millisecond, func() bool { return true })
	if got := read(t, conn); !strings.HasPrefix(got, "WATCHDOG=1") {
		t.Fatalf("got %q", got)
	}
	cancel()

	if _, err := Stopping(); err != nil {
		t.Fatal(err)
	}
	// Drain any late watchdog pings before STOPPING.
	for {
		got := read(t, conn)
		if got == "STOPPING=1" {
			break
		}
		if got != "WATCHDOG=1" {
			t.Fatalf("unexpected %q", got)
		}
	}
}
