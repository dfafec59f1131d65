// Package scsql implements the scsql sub-protocol: a single binary
// command per WebSocket frame driving a request/response database
// session (transaction control, statement execution, row fetching)
// against a database/sql backend.
package scsql

import (
	"encoding/binary"
	"fmt"
)

// Command identifies the first byte of every inbound scsql frame.
type Command byte

const (
	CmdStart        Command = 1
	CmdCommit       Command = 2
	CmdRollback     Command = 3
	CmdExecute      Command = 4
	CmdQuery        Command = 5
	CmdQueryEnd     Command = 6
	CmdLastID       Command = 7
	CmdAffectedRows Command = 8
	CmdFetch        Command = 9
)

func (c Command) String() string {
	switch c {
	case CmdStart:
		return "START"
	case CmdCommit:
		return "COMMIT"
	case CmdRollback:
		return "ROLLBACK"
	case CmdExecute:
		return "EXECUTE"
	case CmdQuery:
		return "QUERY"
	case CmdQueryEnd:
		return "QUERY_END"
	case CmdLastID:
		return "LAST_ID"
	case CmdAffectedRows:
		return "AFFECTED_ROWS"
	case CmdFetch:
		return "FETCH"
	default:
		return fmt.Sprintf("CMD(%d)", byte(c))
	}
}

// Status codes occupy the second byte of every response frame.
const (
	StatusOK    byte = 0
	StatusError byte = 1

	// StatusEndOfRows is an opt-in enhancement over the original wire
	// format, which overloaded StatusError for both a genuine query
	// error and a plain end-of-rows condition on FETCH. A handler only
	// emits it when constructed with Options.DistinguishEndOfRows; see
	// the decision recorded in DESIGN.md.
	StatusEndOfRows byte = 2
)

// nulTerminatedString strips a single trailing NUL byte, matching the
// original protocol's C-string bodies for EXECUTE/QUERY/LAST_ID.
func nulTerminatedString(body []byte) string {
	if n := len(body); n > 0 && body[n-1] == 0 {
		body = body[:n-1]
	}
	return string(body)
}

// encodeResult builds a "u8 command, u8 status, [message]" frame, the
// shape every response other than QUERY/FETCH/LAST_ID/AFFECTED_ROWS
// uses.
func encodeResult(cmd Command, status byte, message string) []byte {
	out := make([]byte, 2, 2+len(message))
	out[0] = byte(cmd)
	out[1] = status
	out = append(out, message...)
	return out
}

// encodeUint64Result builds a "u8 command, u8 status, u64 value"
// frame for LAST_ID and AFFECTED_ROWS responses.
func encodeUint64Result(cmd Command, status byte, value uint64) []byte {
	out := make([]byte, 10)
	out[0] = byte(cmd)
	out[1] = status
	binary.LittleEndian.PutUint64(out[2:], value)
	return out
}

// encodeFieldsResult builds the QUERY success response: command,
// status, i32 field count, then per field an i32 name length followed
// by the name bytes.
func encodeFieldsResult(cmd Command, columns []string) []byte {
	out := make([]byte, 2, 64)
	out[0] = byte(cmd)
	out[1] = StatusOK
	out = appendInt32(out, int32(len(columns)))
	for _, name := range columns {
		out = appendInt32(out, int32(len(name)))
		out = append(out, name...)
	}
	return out
}

// encodeRowResult builds a FETCH success response: command, status,
// i32 field count, then per field an i32 length (-1 for SQL NULL)
// followed by the raw value bytes.
func encodeRowResult(values [][]byte) []byte {
	out := make([]byte, 2, 64)
	out[0] = byte(CmdFetch)
	out[1] = StatusOK
	out = appendInt32(out, int32(len(values)))
	for _, v := range values {
		if v == nil {
			out = appendInt32(out, -1)
			continue
		}
		out = appendInt32(out, int32(len(v)))
		out = append(out, v...)
	}
	return out
}

func appendInt32(out []byte, v int32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return append(out, buf[:]...)
}
