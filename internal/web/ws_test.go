package web

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialStream(t *testing.T, tsURL, id string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(tsURL, "http", "ws", 1) + "/api/runs/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing stream: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilStatus collects output frames in arrival order until the
// final status frame.
func readUntilStatus(t *testing.T, conn *websocket.Conn) (output string, final wsMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("reading frame: %v", err)
		}
		switch msg.Type {
		case "output":
			output += msg.Data
		case "status":
			return output, msg
		default:
			t.Fatalf("unexpected frame type %q", msg.Type)
		}
	}
}

func TestStream_OrderedOutputAndStatus(t *testing.T) {
	ts, _ := newTestServer(t)

	script := `i=1
while [ $i -le 20 ]; do
  echo "line $i"
  i=$((i+1))
done
echo "to stderr" 1>&2
echo "after stderr"`
	id := createRun(t, ts, submitBody(fakeInterpreter(t, script)))

	conn := dialStream(t, ts.URL, id)
	output, final := readUntilStatus(t, conn)

	// Emission order is preserved across frames and across fd 1/2.
	last := -1
	for i := 1; i <= 20; i++ {
		idx := strings.Index(output, "line "+strconv.Itoa(i)+"\n")
		if idx < 0 {
			t.Fatalf("line %d missing from stream", i)
		}
		if idx < last {
			t.Fatalf("line %d arrived out of order", i)
		}
		last = idx
	}
	if !strings.Contains(output, "to stderr\nafter stderr\n") {
		t.Errorf("output = %q, want stderr interleaved in order", output)
	}

	if final.State != "succeeded" {
		t.Errorf("final state = %q, want succeeded", final.State)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("final exit_code = %v, want 0", final.ExitCode)
	}
}

func TestStream_LateSubscriberReplays(t *testing.T) {
	ts, _ := newTestServer(t)

	id := createRun(t, ts, submitBody(fakeInterpreter(t, "echo early bird")))
	waitFinished(t, ts, id)

	// Connecting after the run finished still replays everything.
	conn := dialStream(t, ts.URL, id)
	output, final := readUntilStatus(t, conn)

	if !strings.Contains(output, "early bird") {
		t.Errorf("replayed output = %q, want the full stream", output)
	}
	if final.State != "succeeded" {
		t.Errorf("final state = %q, want succeeded", final.State)
	}
}

func TestStream_ReportURLInFinalFrame(t *testing.T) {
	ts, _ := newTestServer(t)

	id := createRun(t, ts, submitBody(fakeInterpreter(t, reportWriter)))
	conn := dialStream(t, ts.URL, id)
	_, final := readUntilStatus(t, conn)

	if final.ReportURL != "/runs/"+id+"/report" {
		t.Errorf("report_url = %q, want the run's report link", final.ReportURL)
	}
}

func TestStream_UnknownRun(t *testing.T) {
	ts, _ := newTestServer(t)
	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/api/runs/nope/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown run")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Errorf("status = %v, want 404", resp)
	}
}
