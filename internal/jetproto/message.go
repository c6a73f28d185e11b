package jetproto

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Method identifies the Jet handshake kind.
type Method int

const (
	MethodUnknown Method = iota
	MethodAccept
	MethodConnect
	MethodTest
)

func (m Method) String() string {
	switch m {
	case MethodAccept:
		return "ACCEPT"
	case MethodConnect:
		return "CONNECT"
	case MethodTest:
		return "TEST"
	default:
		return "UNKNOWN"
	}
}

func parseMethod(s string) Method {
	switch strings.ToUpper(s) {
	case "ACCEPT":
		return MethodAccept
	case "CONNECT":
		return MethodConnect
	case "TEST":
		return MethodTest
	default:
		return MethodUnknown
	}
}

var (
	// ErrBadHTTP is returned when the inner request/response is malformed.
	ErrBadHTTP = errors.New("jetproto: malformed jet http message")
	// ErrBadUUID is returned when an association/candidate id isn't a valid
	// RFC 4122 UUID.
	ErrBadUUID = errors.New("jetproto: invalid uuid")
	// ErrUnsupported is returned for a Jet-Version outside {1, 2}.
	ErrUnsupported = errors.New("jetproto: unsupported jet version")
)

// Message is the in-memory representation of one Jet accept/connect/test
// request or response, independent of whether it was carried with v1
// header-based addressing or v2 path-based addressing.
type Message struct {
	Version       int
	Method        Method
	IsResponse    bool
	Association   uuid.UUID
	Candidate     uuid.UUID
	Timeout       time.Duration
	Instance      string
	Host          string
	StatusCode    int // response only; 200 on success
	StatusReason  string
}

// EncodeV1 renders m using the v1 wire form: the method and ids travel in
// Jet-* headers, the request line always targets "/".
func EncodeV1(m Message) []byte {
	var b bytes.Buffer
	if m.IsResponse {
		fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", statusOr200(m), statusReasonOr(m))
	} else {
		fmt.Fprintf(&b, "GET / HTTP/1.1\r\n")
	}
	fmt.Fprintf(&b, "Jet-Version: 1\r\n")
	if m.Method != MethodUnknown {
		fmt.Fprintf(&b, "Jet-Method: %s\r\n", m.Method)
	}
	if m.Association != uuid.Nil {
		fmt.Fprintf(&b, "Jet-Association: %s\r\n", m.Association)
	}
	if m.Candidate != uuid.Nil {
		fmt.Fprintf(&b, "Jet-Candidate: %s\r\n", m.Candidate)
	}
	if m.Timeout > 0 {
		fmt.Fprintf(&b, "Jet-Timeout: %d\r\n", int(m.Timeout.Seconds()))
	}
	if m.Instance != "" {
		fmt.Fprintf(&b, "Jet-Instance: %s\r\n", m.Instance)
	}
	if m.Host != "" {
		fmt.Fprintf(&b, "Jet-Host: %s\r\n", m.Host)
	}
	fmt.Fprintf(&b, "\r\n")
	return b.Bytes()
}

// EncodeV2 renders m using the v2 wire form: method and ids travel in the
// path, e.g. "/jet/accept/{aid}/{cid}".
func EncodeV2(m Message) []byte {
	var b bytes.Buffer
	if m.IsResponse {
		fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", statusOr200(m), statusReasonOr(m))
	} else {
		path := "/jet/" + strings.ToLower(m.Method.String())
		if m.Association != uuid.Nil {
			path += "/" + m.Association.String()
		}
		if m.Candidate != uuid.Nil {
			path += "/" + m.Candidate.String()
		}
		fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	}
	fmt.Fprintf(&b, "Jet-Version: 2\r\n")
	if m.Timeout > 0 {
		fmt.Fprintf(&b, "Jet-Timeout: %d\r\n", int(m.Timeout.Seconds()))
	}
	if m.Instance != "" {
		fmt.Fprintf(&b, "Jet-Instance: %s\r\n", m.Instance)
	}
	if m.Host != "" {
		fmt.Fprintf(&b, "Jet-Host: %s\r\n", m.Host)
	}
	fmt.Fprintf(&b, "\r\n")
	return b.Bytes()
}

// EncodeMessage renders m using whichever version it declares (1 or 2).
func EncodeMessage(m Message) ([]byte, error) {
	switch m.Version {
	case 1:
		return EncodeV1(m), nil
	case 2:
		return EncodeV2(m), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupported, m.Version)
	}
}

func statusOr200(m Message) int {
	if m.StatusCode == 0 {
		return 200
	}
	return m.StatusCode
}

func statusReasonOr(m Message) string {
	if m.StatusReason != "" {
		return m.StatusReason
	}
	return "OK"
}

// DecodeMessage parses a Jet HTTP-ish message, accepting both v1 and v2
// encodings.
func DecodeMessage(payload []byte) (Message, error) {
	r := bufio.NewReader(bytes.NewReader(payload))

	requestLine, err := r.ReadString('\n')
	if err != nil {
		return Message{}, fmt.Errorf("%w: read request line: %v", ErrBadHTTP, err)
	}
	requestLine = strings.TrimRight(requestLine, "\r\n")

	var m Message
	var path string

	if strings.HasPrefix(requestLine, "HTTP/1.1 ") {
		m.IsResponse = true
		fields := strings.SplitN(strings.TrimPrefix(requestLine, "HTTP/1.1 "), " ", 2)
		if len(fields) == 0 {
			return Message{}, fmt.Errorf("%w: empty status line", ErrBadHTTP)
		}
		code, err := strconv.Atoi(fields[0])
		if err != nil {
			return Message{}, fmt.Errorf("%w: bad status code: %v", ErrBadHTTP, err)
		}
		m.StatusCode = code
		if len(fields) == 2 {
			m.StatusReason = fields[1]
		}
	} else {
		fields := strings.Fields(requestLine)
		if len(fields) != 3 || fields[0] != "GET" {
			return Message{}, fmt.Errorf("%w: bad request line %q", ErrBadHTTP, requestLine)
		}
		path = fields[1]
	}

	headers := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return Message{}, fmt.Errorf("%w: read headers: %v", ErrBadHTTP, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return Message{}, fmt.Errorf("%w: malformed header %q", ErrBadHTTP, line)
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	version := 1
	if v, ok := headers["jet-version"]; ok {
		version, err = strconv.Atoi(v)
		if err != nil {
			return Message{}, fmt.Errorf("%w: bad Jet-Version: %v", ErrBadHTTP, err)
		}
	}
	if version != 1 && version != 2 {
		return Message{}, fmt.Errorf("%w: %d", ErrUnsupported, version)
	}
	m.Version = version

	if !m.IsResponse {
		if version == 1 {
			m.Method = parseMethod(headers["jet-method"])
			if aid := headers["jet-association"]; aid != "" {
				if m.Association, err = uuid.Parse(aid); err != nil {
					return Message{}, fmt.Errorf("%w: association: %v", ErrBadUUID, err)
				}
			}
			if cid := headers["jet-candidate"]; cid != "" {
				if m.Candidate, err = uuid.Parse(cid); err != nil {
					return Message{}, fmt.Errorf("%w: candidate: %v", ErrBadUUID, err)
				}
			}
		} else {
			segs := strings.Split(strings.Trim(path, "/"), "/")
			if len(segs) < 2 || segs[0] != "jet" {
				return Message{}, fmt.Errorf("%w: bad v2 path %q", ErrBadHTTP, path)
			}
			m.Method = parseMethod(segs[1])
			if len(segs) >= 3 {
				if m.Association, err = uuid.Parse(segs[2]); err != nil {
					return Message{}, fmt.Errorf("%w: association: %v", ErrBadUUID, err)
				}
			}
			if len(segs) >= 4 {
				if m.Candidate, err = uuid.Parse(segs[3]); err != nil {
					return Message{}, fmt.Errorf("%w: candidate: %v", ErrBadUUID, err)
				}
			}
		}
	}

	if t, ok := headers["jet-timeout"]; ok {
		secs, err := strconv.Atoi(t)
		if err != nil {
			return Message{}, fmt.Errorf("%w: bad Jet-Timeout: %v", ErrBadHTTP, err)
		}
		m.Timeout = time.Duration(secs) * time.Second
	}
	m.Instance = headers["jet-instance"]
	m.Host = headers["jet-host"]

	return m, nil
}
