package protocol

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ratcache/ratmemcached/internal/cache"
)

const (
	version              = "RatMemcached-Go 1.0"
	idleReadTimeout      = 30 * time.Second
	maxConsecutiveErrors = 5
	maxEmptyReads        = 3
	defaultChunkSize     = 4096
)

// upload is a pending chunked-SET session (spec.md §4.7 "per-connection
// chunked-upload sessions keyed by user key").
type upload struct {
	totalSize  int
	chunkCount int
	flags      uint32
	exptime    int64
	chunks     map[int][]byte
}

func (u *upload) complete() bool { return len(u.chunks) == u.chunkCount }

// assemble concatenates chunks 0..chunkCount-1 in order. It reports false if
// any index in that range is missing.
func (u *upload) assemble() ([]byte, bool) {
	out := make([]byte, 0, u.totalSize)
	for i := 0; i < u.chunkCount; i++ {
		c, ok := u.chunks[i]
		if !ok {
			return nil, false
		}
		out = append(out, c...)
	}
	return out, true
}

// Conn drives one client connection through the parsing state machine of
// spec.md §4.7: S0 (idle, reading a command line) and S1 (awaiting a
// storage command's declared payload).
type Conn struct {
	nc     net.Conn
	r      *bufio.Reader
	cache  *cache.Facade
	logger *logrus.Entry

	uploads map[string]*upload
}

// NewConn wraps an accepted connection for Serve.
func NewConn(nc net.Conn, c *cache.Facade, logger *logrus.Logger) *Conn {
	if logger == nil {
		logger = logrus.New()
	}
	id := uuid.NewString()
	return &Conn{
		nc:      nc,
		r:       bufio.NewReader(nc),
		cache:   c,
		logger:  logger.WithField("conn", id),
		uploads: make(map[string]*upload),
	}
}

// Serve runs the read/dispatch loop until the peer disconnects, sends quit,
// or the connection is judged dead (empty-read or write-error thresholds).
func (c *Conn) Serve() {
	defer c.nc.Close()

	consecutiveErrors := 0
	emptyReads := 0

	for {
		c.nc.SetReadDeadline(time.Now().Add(idleReadTimeout))

		line, err := c.r.ReadString('\n')
		if err != nil {
			if line == "" {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					// A lone idle timeout never closes the connection.
					continue
				}
				emptyReads++
				if emptyReads >= maxEmptyReads {
					return
				}
				continue
			}
			// A partial line followed by an error (e.g. peer closed mid-line)
			// isn't recoverable; drop the connection.
			return
		}
		emptyReads = 0

		if isBlankLine(line) {
			continue
		}

		cmd := parseLine(line)

		var payload []byte
		if cmd.needsPayload() {
			payload = make([]byte, cmd.payloadLen())
			if _, err := io.ReadFull(c.r, payload); err != nil {
				return
			}
			c.consumeTerminator()
		}

		resp, quit := c.handle(cmd, payload)
		if len(resp) > 0 {
			c.nc.SetWriteDeadline(time.Now().Add(idleReadTimeout))
			if _, err := c.nc.Write(resp); err != nil {
				consecutiveErrors++
				c.logger.WithError(err).Debug("protocol: write failed")
				if consecutiveErrors >= maxConsecutiveErrors {
					return
				}
				continue
			}
			consecutiveErrors = 0
		}
		if quit {
			return
		}
	}
}

func isBlankLine(line string) bool {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return false
		}
	}
	return true
}

// consumeTerminator best-effort drains the line terminator following a
// storage payload's raw bytes. Both "\r\n" and a bare "\n" are accepted when
// present, but the terminator is not required: a client that sends exactly
// the declared number of payload bytes and nothing else is not kept
// waiting for one. This only ever inspects bytes already buffered from the
// socket — it never blocks on a read waiting for a terminator that may not
// be coming, and it never consumes (and so never misparses) the first byte
// of whatever the client sends next.
func (c *Conn) consumeTerminator() {
	if c.r.Buffered() == 0 {
		return
	}
	b, err := c.r.Peek(1)
	if err != nil {
		return
	}
	switch b[0] {
	case '\r':
		c.r.Discard(1)
		if c.r.Buffered() == 0 {
			return
		}
		if b2, err := c.r.Peek(1); err == nil && b2[0] == '\n' {
			c.r.Discard(1)
		}
	case '\n':
		c.r.Discard(1)
	}
}

func (c *Conn) writeLine(s string) bool {
	c.nc.SetWriteDeadline(time.Now().Add(idleReadTimeout))
	_, err := c.nc.Write([]byte(s + "\r\n"))
	return err == nil
}

func (c *Conn) handle(cmd command, payload []byte) (response []byte, quit bool) {
	switch cmd.verb {
	case verbGet:
		return c.handleGet(cmd), false
	case verbSet, verbAdd, verbReplace:
		return c.handleStore(cmd, payload), false
	case verbDelete:
		return c.handleDelete(cmd), false
	case verbIncr, verbDecr:
		return c.handleIncrDecr(cmd), false
	case verbStats:
		return c.handleStats(), false
	case verbFlushAll:
		return c.handleFlushAll(), false
	case verbVersion:
		return []byte("VERSION " + version + "\r\n"), false
	case verbQuit:
		return nil, true
	case verbSGet:
		return c.handleSGet(cmd), false
	case verbSetBegin:
		return c.handleSetBegin(cmd), false
	case verbSetData:
		return c.handleSetData(cmd, payload), false
	case verbSetEnd:
		return c.handleSetEnd(cmd), false
	default:
		return []byte("ERROR\r\n"), false
	}
}

func (c *Conn) handleGet(cmd command) []byte {
	var out []byte
	for _, key := range cmd.keys {
		raw, ok, err := c.cache.Get(key, cache.Options{})
		if err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("protocol: get failed")
			continue
		}
		if !ok {
			continue
		}
		flags, data, err := decodeEnvelope(raw)
		if err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("protocol: stored value has a corrupt envelope")
			continue
		}
		out = append(out, []byte("VALUE "+key+" "+strconv.FormatUint(uint64(flags), 10)+" "+strconv.Itoa(len(data))+"\r\n")...)
		out = append(out, data...)
		out = append(out, "\r\n"...)
	}
	out = append(out, "END\r\n"...)
	return out
}

func (c *Conn) handleStore(cmd command, payload []byte) []byte {
	switch cmd.verb {
	case verbAdd:
		if _, exists, _ := c.cache.Get(cmd.key, cache.Options{}); exists {
			return []byte("NOT_STORED\r\n")
		}
	case verbReplace:
		if _, exists, _ := c.cache.Get(cmd.key, cache.Options{}); !exists {
			return []byte("NOT_STORED\r\n")
		}
	}

	stored := encodeEnvelope(cmd.flags, payload)
	opts := cache.Options{}
	if cmd.exptime > 0 {
		opts.HasTTL = true
		opts.TTLSeconds = cmd.exptime
	}
	if err := c.cache.Set(cmd.key, stored, opts); err != nil {
		return []byte("SERVER_ERROR " + err.Error() + "\r\n")
	}
	return []byte("STORED\r\n")
}

func (c *Conn) handleDelete(cmd command) []byte {
	existed, err := c.cache.Delete(cmd.key)
	if err != nil {
		return []byte("SERVER_ERROR " + err.Error() + "\r\n")
	}
	if existed {
		return []byte("DELETED\r\n")
	}
	return []byte("NOT_FOUND\r\n")
}

func (c *Conn) handleIncrDecr(cmd command) []byte {
	raw, ok, err := c.cache.Get(cmd.key, cache.Options{})
	if err != nil {
		return []byte("SERVER_ERROR " + err.Error() + "\r\n")
	}
	if !ok {
		return []byte("NOT_FOUND\r\n")
	}
	flags, data, err := decodeEnvelope(raw)
	if err != nil {
		return []byte("SERVER_ERROR " + err.Error() + "\r\n")
	}
	current, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return []byte("CLIENT_ERROR cannot increment or decrement non-numeric value\r\n")
	}

	var next uint64
	if cmd.verb == verbIncr {
		next = current + cmd.amount
	} else if cmd.amount > current {
		next = 0 // memcached decr floors at zero rather than wrapping.
	} else {
		next = current - cmd.amount
	}

	nextStr := strconv.FormatUint(next, 10)
	opts := cache.Options{}
	if remaining, hasTTL := c.cache.RemainingTTL(cmd.key); hasTTL {
		opts.HasTTL = true
		opts.TTLSeconds = remaining
	}
	if err := c.cache.Set(cmd.key, encodeEnvelope(flags, []byte(nextStr)), opts); err != nil {
		return []byte("SERVER_ERROR " + err.Error() + "\r\n")
	}
	return []byte(nextStr + "\r\n")
}

func (c *Conn) handleStats() []byte {
	s := c.cache.Stats()
	lines := []struct {
		k, v string
	}{
		{"version", version},
		{"curr_items_l1", strconv.FormatInt(s.L1EntryCount, 10)},
		{"bytes_l1", strconv.FormatInt(s.L1MemoryUsage, 10)},
		{"curr_items_l2", strconv.FormatInt(s.L2EntryCount, 10)},
		{"bytes_l2", strconv.FormatInt(s.L2DiskUsage, 10)},
		{"l2_reads", strconv.FormatInt(s.L2Reads, 10)},
		{"l2_writes", strconv.FormatInt(s.L2Writes, 10)},
	}
	var out []byte
	for _, l := range lines {
		out = append(out, ("STAT " + l.k + " " + l.v + "\r\n")...)
	}
	out = append(out, "END\r\n"...)
	return out
}

func (c *Conn) handleFlushAll() []byte {
	if err := c.cache.Clear(); err != nil {
		return []byte("SERVER_ERROR " + err.Error() + "\r\n")
	}
	return []byte("OK\r\n")
}

// handleSGet streams a value back in chunks. The reference implementation
// never actually writes a chunk's data bytes onto the wire (format_response
// emits only the STREAM_DATA header); this sends header + raw bytes + CRLF
// per chunk, a genuinely complete download instead of a header-only stub.
func (c *Conn) handleSGet(cmd command) []byte {
	raw, ok, err := c.cache.Get(cmd.key, cache.Options{})
	if err != nil {
		return []byte("STREAM_ERROR " + err.Error() + "\r\n")
	}
	if !ok {
		return []byte("STREAM_ERROR key not found\r\n")
	}
	_, data, err := decodeEnvelope(raw)
	if err != nil {
		return []byte("STREAM_ERROR " + err.Error() + "\r\n")
	}

	chunkSize := cmd.chunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	chunkCount := (len(data) + chunkSize - 1) / chunkSize
	if chunkCount == 0 {
		chunkCount = 1
	}

	var out []byte
	out = append(out, ("STREAM_BEGIN " + cmd.key + " " + strconv.Itoa(len(data)) + " " + strconv.Itoa(chunkCount) + "\r\n")...)
	for n := 0; n < chunkCount; n++ {
		start := n * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]
		out = append(out, ("STREAM_DATA " + cmd.key + " " + strconv.Itoa(n) + " " + strconv.Itoa(len(chunk)) + "\r\n")...)
		out = append(out, chunk...)
		out = append(out, "\r\n"...)
	}
	out = append(out, ("STREAM_END " + cmd.key + "\r\n")...)
	return out
}

func (c *Conn) handleSetBegin(cmd command) []byte {
	c.uploads[cmd.key] = &upload{
		totalSize:  cmd.totalSize,
		chunkCount: cmd.chunkCount,
		flags:      cmd.flags,
		exptime:    cmd.exptime,
		chunks:     make(map[int][]byte),
	}
	return []byte("STORED\r\n")
}

func (c *Conn) handleSetData(cmd command, payload []byte) []byte {
	u, ok := c.uploads[cmd.key]
	if !ok {
		return []byte("CLIENT_ERROR no chunked upload session for key\r\n")
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	u.chunks[cmd.chunkNum] = buf
	return []byte("STORED\r\n")
}

func (c *Conn) handleSetEnd(cmd command) []byte {
	u, ok := c.uploads[cmd.key]
	if !ok {
		return []byte("CLIENT_ERROR no chunked upload session for key\r\n")
	}
	delete(c.uploads, cmd.key)

	if !u.complete() {
		return []byte("CLIENT_ERROR 数据不完整\r\n")
	}
	data, ok := u.assemble()
	if !ok {
		return []byte("CLIENT_ERROR 数据不完整\r\n")
	}

	opts := cache.Options{}
	if u.exptime > 0 {
		opts.HasTTL = true
		opts.TTLSeconds = u.exptime
	}
	if err := c.cache.Set(cmd.key, encodeEnvelope(u.flags, data), opts); err != nil {
		return []byte("SERVER_ERROR " + err.Error() + "\r\n")
	}
	return []byte("STORED\r\n")
}
