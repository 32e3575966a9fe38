// Package info implements the one-shot name/value info protocol used by
// the tend loop and by the partition/peer/rack parsers.
package info

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/shardkv/goclient/internal/wire"
)

// Request sends an info request for the given names and returns the
// name -> value map decoded from the response. It writes one framed
// "name\n...\n" payload and reads exactly one framed response.
func Request(ctx context.Context, conn net.Conn, timeout time.Duration, names ...string) (map[string]string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	defer conn.SetDeadline(time.Time{})

	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('\n')
	}
	payload := []byte(b.String())
	frame := wire.Frame(wire.VersionInfo, wire.TypeInfo, payload)

	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("info: writing request: %w", err)
	}

	hdr := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, fmt.Errorf("info: reading header: %w", err)
	}
	h, err := wire.DecodeHeader(hdr)
	if err != nil {
		return nil, err
	}

	body := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(conn, body); err != nil {
			return nil, fmt.Errorf("info: reading body: %w", err)
		}
	}

	return Parse(body)
}

// Parse decodes an info response body of "name\tvalue\n" pairs. A name
// with no tab and no value is recorded with an empty value — some info
// names (e.g. bare acknowledgements) carry none.
func Parse(body []byte) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '\t')
		if idx < 0 {
			out[line] = ""
			continue
		}
		out[line[:idx]] = line[idx+1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("info: scanning response: %w", err)
	}
	return out, nil
}

// SplitFeatures splits the semicolon-separated "features" value into a set.
func SplitFeatures(value string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Split(value, ";") {
		if f != "" {
			out[f] = true
		}
	}
	return out
}
