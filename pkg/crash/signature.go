// Package crash records local crashes, writes diagnostic bundles and decides
// when an installation should fall back to safe mode.
package crash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"runtime"
	"runtime/debug"
	"strings"
)

// Event describes a single crash. Field order is part of the signature.
type Event struct {
	Message         string            `json:"message"`
	Stack           string            `json:"stack"`
	Platform        string            `json:"platform"`
	Arch            string            `json:"arch"`
	RuntimeVersions map[string]string `json:"runtimeVersions"`
	AppVersion      string            `json:"appVersion"`
}

// NewEvent builds an Event for the running process. An empty stack is
// replaced with the current goroutine's stack.
func NewEvent(cause any, stack []byte, appVersion string) Event {
	if len(stack) == 0 {
		stack = debug.Stack()
	}
	if appVersion == "" {
		appVersion = "unknown"
	}
	return Event{
		Message:         messageOf(cause),
		Stack:           string(stack),
		Platform:        runtime.GOOS,
		Arch:            runtime.GOARCH,
		RuntimeVersions: map[string]string{"go": runtime.Version()},
		AppVersion:      appVersion,
	}
}

func messageOf(cause any) string {
	switch v := cause.(type) {
	case nil:
		return "unknown error"
	case error:
		return v.Error()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Signature returns the first 16 hex characters of the SHA-256 digest of
// the event's JSON encoding with the stack normalised by NormalizeStack.
// Crashes from the same code path share a signature regardless of which
// goroutine hit them.
func Signature(ev Event) string {
	ev.Stack = NormalizeStack(ev.Stack)
	payload, err := json.Marshal(ev)
	if err != nil {
		payload = []byte(ev.Message + "\x00" + ev.Stack)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}

// NormalizeStack reduces a Go stack trace to its function and file:line
// frames. Goroutine headers, argument values, PC offsets and goroutine ids
// are dropped. Lines that are not part of a Go frame pass through trimmed.
func NormalizeStack(stack string) string {
	lines := strings.Split(strings.ReplaceAll(stack, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		switch {
		case strings.TrimSpace(line) == "":
			continue
		case goroutineHeader.MatchString(line):
			continue
		case strings.HasPrefix(line, "\t"):
			out = append(out, pcOffset.ReplaceAllString(strings.TrimSpace(line), ""))
		case strings.HasPrefix(line, "created by "):
			out = append(out, createdIn.ReplaceAllString(strings.TrimSpace(line), ""))
		case i+1 < len(lines) && strings.HasPrefix(lines[i+1], "\t"):
			out = append(out, stripArgs(strings.TrimSpace(line)))
		default:
			out = append(out, strings.TrimSpace(line))
		}
	}
	return strings.Join(out, "\n")
}

var (
	goroutineHeader = regexp.MustCompile(`^goroutine \d+ .*\]:$`)
	pcOffset        = regexp.MustCompile(`\s\+0x[0-9a-f]+$`)
	createdIn       = regexp.MustCompile(`\s+in goroutine \d+$`)
)

// stripArgs removes the trailing argument list from a frame's function line.
func stripArgs(fn string) string {
	if !strings.HasSuffix(fn, ")") {
		return fn
	}
	if i := strings.LastIndex(fn, "("); i > 0 {
		return fn[:i]
	}
	return fn
}
