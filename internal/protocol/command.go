package protocol

import (
	"strconv"
	"strings"
)

// verb identifies a parsed command's kind.
type verb int

const (
	verbUnknown verb = iota
	verbGet
	verbSet
	verbAdd
	verbReplace
	verbDelete
	verbIncr
	verbDecr
	verbStats
	verbFlushAll
	verbVersion
	verbQuit
	verbSGet
	verbSetBegin
	verbSetData
	verbSetEnd
)

// command is one parsed request line, per spec.md §4.7's command set.
type command struct {
	verb verb
	raw  string

	keys []string // get

	key        string
	flags      uint32
	exptime    int64
	bodyLen    int
	amount     uint64
	chunkSize  int
	totalSize  int
	chunkCount int
	chunkNum   int
}

func parseLine(line string) command {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{verb: verbUnknown, raw: line}
	}

	name := strings.ToLower(fields[0])
	switch name {
	case "get":
		if len(fields) < 2 {
			return command{verb: verbUnknown, raw: line}
		}
		return command{verb: verbGet, keys: fields[1:], raw: line}

	case "set", "add", "replace":
		if len(fields) < 5 {
			return command{verb: verbUnknown, raw: line}
		}
		v := verbSet
		switch name {
		case "add":
			v = verbAdd
		case "replace":
			v = verbReplace
		}
		flags, _ := strconv.ParseUint(fields[2], 10, 32)
		exptime, _ := strconv.ParseInt(fields[3], 10, 64)
		bodyLen, err := strconv.Atoi(fields[4])
		if err != nil || bodyLen < 0 {
			return command{verb: verbUnknown, raw: line}
		}
		return command{verb: v, key: fields[1], flags: uint32(flags), exptime: exptime, bodyLen: bodyLen, raw: line}

	case "delete":
		if len(fields) < 2 {
			return command{verb: verbUnknown, raw: line}
		}
		return command{verb: verbDelete, key: fields[1], raw: line}

	case "incr", "decr":
		if len(fields) < 3 {
			return command{verb: verbUnknown, raw: line}
		}
		amount, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return command{verb: verbUnknown, raw: line}
		}
		v := verbIncr
		if name == "decr" {
			v = verbDecr
		}
		return command{verb: v, key: fields[1], amount: amount, raw: line}

	case "stats":
		return command{verb: verbStats, raw: line}

	case "flush_all":
		return command{verb: verbFlushAll, raw: line}

	case "version":
		return command{verb: verbVersion, raw: line}

	case "quit":
		return command{verb: verbQuit, raw: line}

	case "sget":
		if len(fields) < 2 {
			return command{verb: verbUnknown, raw: line}
		}
		cmd := command{verb: verbSGet, key: fields[1], chunkSize: 4096, raw: line}
		if len(fields) >= 3 {
			if n, err := strconv.Atoi(fields[2]); err == nil && n > 0 {
				cmd.chunkSize = n
			}
		}
		return cmd

	case "set_begin":
		if len(fields) < 5 {
			return command{verb: verbUnknown, raw: line}
		}
		totalSize, err1 := strconv.Atoi(fields[2])
		chunkCount, err2 := strconv.Atoi(fields[3])
		flags, err3 := strconv.ParseUint(fields[4], 10, 32)
		if err1 != nil || err2 != nil || err3 != nil {
			return command{verb: verbUnknown, raw: line}
		}
		var exptime int64
		if len(fields) >= 6 {
			exptime, _ = strconv.ParseInt(fields[5], 10, 64)
		}
		return command{
			verb: verbSetBegin, key: fields[1], totalSize: totalSize,
			chunkCount: chunkCount, flags: uint32(flags), exptime: exptime, raw: line,
		}

	case "set_data":
		// set_data KEY CHUNK_NUM BYTES, mirroring set/add/replace's own
		// self-describing bytes argument. The reference implementation never
		// actually wires a chunk's bytes through its TCP read loop (only
		// set/add/replace trigger its wait-for-payload branch; set_data's
		// data stays permanently empty there), so there's no wire convention
		// to preserve here — BYTES is declared on the line itself instead of
		// inferred from a set_begin session, which would break on
		// out-of-order or irregular chunk sizes.
		if len(fields) < 4 {
			return command{verb: verbUnknown, raw: line}
		}
		chunkNum, err1 := strconv.Atoi(fields[2])
		chunkLen, err2 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil || chunkLen < 0 {
			return command{verb: verbUnknown, raw: line}
		}
		return command{verb: verbSetData, key: fields[1], chunkNum: chunkNum, bodyLen: chunkLen, raw: line}

	case "set_end":
		if len(fields) < 2 {
			return command{verb: verbUnknown, raw: line}
		}
		return command{verb: verbSetEnd, key: fields[1], raw: line}

	default:
		return command{verb: verbUnknown, raw: line}
	}
}

// isStorageCommand reports whether this verb expects a bytes payload to
// follow on the wire before it can execute (state S1 of spec.md §4.7).
func (c command) isStorageCommand() bool {
	switch c.verb {
	case verbSet, verbAdd, verbReplace:
		return true
	default:
		return false
	}
}

// needsPayload reports whether this command line must be followed by
// bodyLen raw bytes (plus a line terminator) before it can execute.
func (c command) needsPayload() bool {
	return c.isStorageCommand() || c.verb == verbSetData
}

// payloadLen returns how many raw bytes follow the command line, for
// set_data (the chunk body) as well as set/add/replace.
func (c command) payloadLen() int {
	if c.needsPayload() {
		return c.bodyLen
	}
	return 0
}
