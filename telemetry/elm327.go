package telemetry

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
)

const prompt = '>'

// ELM327 speaks the AT command protocol of an ELM327 adapter over any byte
// stream. The stream is expected to return (0, nil) or a short read when its
// read timeout expires, as a serial port does.
type ELM327 struct {
	rw      io.ReadWriter
	timeout time.Duration
	buf     []byte
}

// NewELM327 wraps rw. timeout bounds how long one command waits for the
// prompt.
func NewELM327(rw io.ReadWriter, timeout time.Duration) *ELM327 {
	return &ELM327{rw: rw, timeout: timeout, buf: make([]byte, 128)}
}

// Init resets the adapter, turns off echo, line feeds and spaces, and
// selects the protocol ("6" is ISO 15765-4 CAN 11/500, "0" is automatic).
func (e *ELM327) Init(protocol string) error {
	for _, cmd := range []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATSP" + protocol} {
		resp, err := e.Command(cmd)
		if err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
		if cmd != "ATZ" && !strings.Contains(resp, "OK") {
			return fmt.Errorf("%s: unexpected response %q", cmd, resp)
		}
	}
	return nil
}

// Command sends one command and returns the response without the prompt.
func (e *ELM327) Command(cmd string) (string, error) {
	if _, err := io.WriteString(e.rw, cmd+"\r"); err != nil {
		return "", err
	}
	var out bytes.Buffer
	deadline := time.Now().Add(e.timeout)
	for {
		n, err := e.rw.Read(e.buf)
		if n > 0 {
			out.Write(e.buf[:n])
			if i := bytes.IndexByte(out.Bytes(), prompt); i >= 0 {
				return strings.TrimSpace(strings.ReplaceAll(string(out.Bytes()[:i]), "\r", "\n")), nil
			}
		}
		if err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("no prompt after %s (got %q)", e.timeout, out.String())
		}
	}
}

// Query sends a mode 01 PID request and decodes the answer.
func (e *ELM327) Query(pid PID) (float64, error) {
	resp, err := e.Command(pid.Code)
	if err != nil {
		return 0, err
	}
	data, err := parseResponse(pid, resp)
	if err != nil {
		return 0, err
	}
	return pid.Decode(data), nil
}

func parseResponse(pid PID, resp string) ([]byte, error) {
	// "41" + pid number, the positive response header to "01" + pid number
	header := "41" + pid.Code[2:]
	for _, line := range strings.Split(resp, "\n") {
		line = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(line), " ", ""))
		if !strings.HasPrefix(line, header) {
			continue
		}
		raw, err := hex.DecodeString(line[len(header):])
		if err != nil {
			return nil, fmt.Errorf("%s: malformed response %q: %w", pid.Code, line, err)
		}
		if len(raw) < pid.Bytes {
			return nil, fmt.Errorf("%s: expected %d data bytes, got %d", pid.Code, pid.Bytes, len(raw))
		}
		return raw[:pid.Bytes], nil
	}
	return nil, fmt.Errorf("%s: no data (%q)", pid.Code, resp)
}
