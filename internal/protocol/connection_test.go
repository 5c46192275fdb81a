package protocol

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ratcache/ratmemcached/internal/cache"
)

// TestMain guards against leaking a Conn.Serve() goroutine or a Facade's
// background loops across tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestFacade(t *testing.T) *cache.Facade {
	t.Helper()
	cfg := cache.DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	cfg.L2WriteStrategy = cache.Always
	f, err := cache.New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { f.Shutdown() })
	return f
}

// dial spins up a Conn on one side of an in-memory pipe and returns a
// buffered reader/writer pair for the test to drive as the client.
func dial(t *testing.T, f *cache.Facade) (*bufio.Reader, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	conn := NewConn(server, f, nil)
	go conn.Serve()
	t.Cleanup(func() { client.Close() })
	return bufio.NewReader(client), client
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("readLine: %v", err)
	}
	return line
}

func TestBasicSetGet(t *testing.T) {
	f := newTestFacade(t)
	r, w := dial(t, f)

	w.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := w.Write([]byte("set k 0 0 5\r\nhello\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "STORED\r\n" {
		t.Fatalf("expected STORED, got %q", got)
	}

	if _, err := w.Write([]byte("get k\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "VALUE k 0 5\r\n" {
		t.Fatalf("expected VALUE header, got %q", got)
	}
	if got := readLine(t, r); got != "hello\r\n" {
		t.Fatalf("expected hello, got %q", got)
	}
	if got := readLine(t, r); got != "END\r\n" {
		t.Fatalf("expected END, got %q", got)
	}
}

// TestStoreWithoutTrailingTerminator covers the payload-terminator
// leniency: a client that sends exactly the declared number of payload
// bytes and omits the trailing "\r\n" must still have its value stored,
// and the connection must keep parsing subsequent commands normally
// rather than stalling or eating the next command's first byte.
func TestStoreWithoutTrailingTerminator(t *testing.T) {
	f := newTestFacade(t)
	r, w := dial(t, f)

	w.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := w.Write([]byte("set k 0 0 5\r\nhello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "STORED\r\n" {
		t.Fatalf("expected STORED, got %q", got)
	}

	if _, err := w.Write([]byte("get k\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "VALUE k 0 5\r\n" {
		t.Fatalf("expected VALUE header, got %q", got)
	}
	if got := readLine(t, r); got != "hello\r\n" {
		t.Fatalf("expected hello, got %q", got)
	}
	if got := readLine(t, r); got != "END\r\n" {
		t.Fatalf("expected END, got %q", got)
	}
}

func TestGetMiss(t *testing.T) {
	f := newTestFacade(t)
	r, w := dial(t, f)

	if _, err := w.Write([]byte("get missing\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "END\r\n" {
		t.Fatalf("expected END, got %q", got)
	}
}

func TestTTLExpiry(t *testing.T) {
	f := newTestFacade(t)
	r, w := dial(t, f)

	if _, err := w.Write([]byte("set k 0 1 3\r\nfoo\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "STORED\r\n" {
		t.Fatalf("expected STORED, got %q", got)
	}

	time.Sleep(2 * time.Second)

	if _, err := w.Write([]byte("get k\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "END\r\n" {
		t.Fatalf("expected END after expiry, got %q", got)
	}
}

func TestCounter(t *testing.T) {
	f := newTestFacade(t)
	r, w := dial(t, f)

	if _, err := w.Write([]byte("set c 0 0 2\r\n10\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "STORED\r\n" {
		t.Fatalf("expected STORED, got %q", got)
	}

	if _, err := w.Write([]byte("incr c 5\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "15\r\n" {
		t.Fatalf("expected 15, got %q", got)
	}

	if _, err := w.Write([]byte("decr c 3\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "12\r\n" {
		t.Fatalf("expected 12, got %q", got)
	}
}

func TestIncrNonNumeric(t *testing.T) {
	f := newTestFacade(t)
	r, w := dial(t, f)

	if _, err := w.Write([]byte("set c 0 0 3\r\nabc\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "STORED\r\n" {
		t.Fatalf("expected STORED, got %q", got)
	}

	if _, err := w.Write([]byte("incr c 1\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "CLIENT_ERROR cannot increment or decrement non-numeric value\r\n" {
		t.Fatalf("expected CLIENT_ERROR, got %q", got)
	}
}

func TestAddSemantics(t *testing.T) {
	f := newTestFacade(t)
	r, w := dial(t, f)

	if _, err := w.Write([]byte("add x 0 0 1\r\na\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "STORED\r\n" {
		t.Fatalf("expected STORED, got %q", got)
	}

	if _, err := w.Write([]byte("add x 0 0 1\r\nb\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "NOT_STORED\r\n" {
		t.Fatalf("expected NOT_STORED, got %q", got)
	}
}

func TestReplaceSemantics(t *testing.T) {
	f := newTestFacade(t)
	r, w := dial(t, f)

	if _, err := w.Write([]byte("replace y 0 0 1\r\na\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "NOT_STORED\r\n" {
		t.Fatalf("expected NOT_STORED, got %q", got)
	}

	if _, err := w.Write([]byte("set y 0 0 1\r\na\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "STORED\r\n" {
		t.Fatalf("expected STORED, got %q", got)
	}

	if _, err := w.Write([]byte("replace y 0 0 1\r\nb\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "STORED\r\n" {
		t.Fatalf("expected STORED, got %q", got)
	}

	if _, err := w.Write([]byte("get y\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "VALUE y 0 1\r\n" {
		t.Fatalf("expected VALUE header, got %q", got)
	}
	if got := readLine(t, r); got != "b\r\n" {
		t.Fatalf("expected b, got %q", got)
	}
}

func TestMultiGetOrderAndMisses(t *testing.T) {
	f := newTestFacade(t)
	r, w := dial(t, f)

	if _, err := w.Write([]byte("set a 0 0 1\r\n1\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readLine(t, r)
	if _, err := w.Write([]byte("set b 0 0 1\r\n2\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readLine(t, r)

	if _, err := w.Write([]byte("get a missing b\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "VALUE a 0 1\r\n" {
		t.Fatalf("expected VALUE a, got %q", got)
	}
	readLine(t, r) // "1\r\n"
	if got := readLine(t, r); got != "VALUE b 0 1\r\n" {
		t.Fatalf("expected VALUE b (missing skipped), got %q", got)
	}
	readLine(t, r) // "2\r\n"
	if got := readLine(t, r); got != "END\r\n" {
		t.Fatalf("expected END, got %q", got)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	f := newTestFacade(t)
	r, w := dial(t, f)

	if _, err := w.Write([]byte("set k 0 0 1\r\nv\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readLine(t, r)

	if _, err := w.Write([]byte("delete k\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "DELETED\r\n" {
		t.Fatalf("expected DELETED, got %q", got)
	}

	if _, err := w.Write([]byte("delete k\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "NOT_FOUND\r\n" {
		t.Fatalf("expected NOT_FOUND, got %q", got)
	}
}

func TestChunkedUploadRoundTrip(t *testing.T) {
	f := newTestFacade(t)
	r, w := dial(t, f)

	if _, err := w.Write([]byte("set_begin k 10 2 0\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "STORED\r\n" {
		t.Fatalf("expected STORED after set_begin, got %q", got)
	}

	if _, err := w.Write([]byte("set_data k 0 5\r\nhello\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "STORED\r\n" {
		t.Fatalf("expected STORED after chunk 0, got %q", got)
	}

	if _, err := w.Write([]byte("set_data k 1 5\r\nworld\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "STORED\r\n" {
		t.Fatalf("expected STORED after chunk 1, got %q", got)
	}

	if _, err := w.Write([]byte("set_end k\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "STORED\r\n" {
		t.Fatalf("expected STORED after set_end, got %q", got)
	}

	if _, err := w.Write([]byte("get k\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "VALUE k 0 10\r\n" {
		t.Fatalf("expected VALUE header, got %q", got)
	}
	if got := readLine(t, r); got != "helloworld\r\n" {
		t.Fatalf("expected helloworld, got %q", got)
	}
}

func TestChunkedUploadMissingChunk(t *testing.T) {
	f := newTestFacade(t)
	r, w := dial(t, f)

	if _, err := w.Write([]byte("set_begin k 10 2 0\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readLine(t, r)

	if _, err := w.Write([]byte("set_data k 0 5\r\nhello\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readLine(t, r)

	if _, err := w.Write([]byte("set_data k 2 5\r\nworld\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readLine(t, r)

	if _, err := w.Write([]byte("set_end k\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "CLIENT_ERROR 数据不完整\r\n" {
		t.Fatalf("expected CLIENT_ERROR for incomplete upload, got %q", got)
	}

	if _, err := w.Write([]byte("get k\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "END\r\n" {
		t.Fatalf("expected no commit on incomplete upload, got %q", got)
	}
}

func TestStreamingGetRoundTrip(t *testing.T) {
	f := newTestFacade(t)
	r, w := dial(t, f)

	if _, err := w.Write([]byte("set k 0 0 10\r\nhelloworld\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readLine(t, r)

	if _, err := w.Write([]byte("sget k 4\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "STREAM_BEGIN k 10 3\r\n" {
		t.Fatalf("expected STREAM_BEGIN, got %q", got)
	}
	if got := readLine(t, r); got != "STREAM_DATA k 0 4\r\n" {
		t.Fatalf("expected chunk 0 header, got %q", got)
	}
	if got := readLine(t, r); got != "hell\r\n" {
		t.Fatalf("expected chunk 0 data, got %q", got)
	}
	if got := readLine(t, r); got != "STREAM_DATA k 1 4\r\n" {
		t.Fatalf("expected chunk 1 header, got %q", got)
	}
	if got := readLine(t, r); got != "owor\r\n" {
		t.Fatalf("expected chunk 1 data, got %q", got)
	}
	if got := readLine(t, r); got != "STREAM_DATA k 2 2\r\n" {
		t.Fatalf("expected chunk 2 header, got %q", got)
	}
	if got := readLine(t, r); got != "ld\r\n" {
		t.Fatalf("expected chunk 2 data, got %q", got)
	}
	if got := readLine(t, r); got != "STREAM_END k\r\n" {
		t.Fatalf("expected STREAM_END, got %q", got)
	}
}

func TestVersionAndQuit(t *testing.T) {
	f := newTestFacade(t)
	r, w := dial(t, f)

	if _, err := w.Write([]byte("version\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "VERSION "+version+"\r\n" {
		t.Fatalf("expected VERSION line, got %q", got)
	}

	if _, err := w.Write([]byte("quit\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 1)
	w.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := w.Read(buf); err == nil {
		t.Fatalf("expected connection closed after quit")
	}
}
