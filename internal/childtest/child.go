// Package childtest is a scripted stand-in for the upstream automation process.
//
// Test binaries re-execute themselves as the child: TestMain calls Main when
// Enabled reports true, and the supervisor is pointed at os.Args[0] with the
// EnvEnabled variable set. The child speaks newline-delimited JSON-RPC and
// understands a handful of methods:
//
//	initialize  handshake result
//	ping        empty result
//	echo        returns params as the result
//	notify      emits notifications/message with params, then an empty result
//	hang        never answers (see EnvCrashAfterHangs)
//	slow        answers after params.delayMs
//	crash       exits with code 3
//	garbage     writes a malformed line, then an empty result
package childtest

import (
	"bufio"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

const (
	// EnvEnabled switches a test binary into child mode.
	EnvEnabled = "MCPBRIDGE_CHILDTEST"
	// EnvNoHandshake makes the child ignore initialize.
	EnvNoHandshake = "MCPBRIDGE_CHILDTEST_NO_HANDSHAKE"
	// EnvExitOnStart makes the child exit with code 1 immediately.
	EnvExitOnStart = "MCPBRIDGE_CHILDTEST_EXIT_ON_START"
	// EnvCrashAfterHangs makes the child exit after receiving N hang requests.
	EnvCrashAfterHangs = "MCPBRIDGE_CHILDTEST_CRASH_AFTER_HANGS"
	// EnvIgnorePing makes the child leave ping requests unanswered.
	EnvIgnorePing = "MCPBRIDGE_CHILDTEST_IGNORE_PING"
	// EnvCrashMarker names a file; when set, EnvCrashAfterHangs applies only
	// while the file does not exist, so the restarted child behaves.
	EnvCrashMarker = "MCPBRIDGE_CHILDTEST_CRASH_MARKER"
	// EnvIgnoreTerm makes the child ignore SIGTERM and keep running after
	// stdin is closed, so only a kill stops it.
	EnvIgnoreTerm = "MCPBRIDGE_CHILDTEST_IGNORE_TERM"
)

// Enabled reports whether the current process should act as the child.
func Enabled() bool {
	return os.Getenv(EnvEnabled) == "1"
}

// Env returns the environment entries enabling child mode plus extra.
func Env(extra ...string) []string {
	return append([]string{EnvEnabled + "=1"}, extra...)
}

type message struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
}

type server struct {
	mux sync.Mutex
	out *bufio.Writer
}

func (s *server) write(msg any) {
	data, _ := json.Marshal(msg)
	s.writeLine(data)
}

func (s *server) writeLine(data []byte) {
	s.mux.Lock()
	defer s.mux.Unlock()
	_, _ = s.out.Write(data)
	_ = s.out.WriteByte('\n')
	_ = s.out.Flush()
}

func (s *server) reply(id json.RawMessage, result any) {
	s.write(&message{Jsonrpc: "2.0", Id: id, Result: result})
}

// Main runs the child until stdin is closed, then exits the process.
func Main() {
	if os.Getenv(EnvExitOnStart) == "1" {
		os.Exit(1)
	}
	ignoreTerm := os.Getenv(EnvIgnoreTerm) == "1"
	if ignoreTerm {
		signal.Ignore(syscall.SIGTERM)
	}
	crashAfter, _ := strconv.Atoi(os.Getenv(EnvCrashAfterHangs))
	if marker := os.Getenv(EnvCrashMarker); marker != "" {
		if _, err := os.Stat(marker); err == nil {
			crashAfter = 0
		}
	}
	s := &server{out: bufio.NewWriter(os.Stdout)}
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	hangs := 0
	for scanner.Scan() {
		msg := &message{}
		if err := json.Unmarshal(scanner.Bytes(), msg); err != nil {
			continue
		}
		switch msg.Method {
		case "initialize":
			if os.Getenv(EnvNoHandshake) == "1" {
				continue
			}
			s.reply(msg.Id, map[string]any{
				"protocolVersion": "2025-06-18",
				"capabilities":    map[string]any{},
				"serverInfo":      map[string]any{"name": "childtest", "version": "1.0"},
			})
		case "ping":
			if os.Getenv(EnvIgnorePing) == "1" {
				continue
			}
			s.reply(msg.Id, map[string]any{})
		case "echo":
			s.reply(msg.Id, msg.Params)
		case "notify":
			s.write(&message{Jsonrpc: "2.0", Method: "notifications/message", Params: msg.Params})
			s.reply(msg.Id, map[string]any{})
		case "hang":
			hangs++
			if crashAfter > 0 && hangs >= crashAfter {
				if marker := os.Getenv(EnvCrashMarker); marker != "" {
					_ = os.WriteFile(marker, []byte("crashed"), 0o644)
				}
				os.Exit(3)
			}
		case "slow":
			params := struct {
				DelayMs int `json:"delayMs"`
			}{}
			_ = json.Unmarshal(msg.Params, &params)
			go func(id json.RawMessage) {
				time.Sleep(time.Duration(params.DelayMs) * time.Millisecond)
				s.reply(id, map[string]any{"slept": params.DelayMs})
			}(msg.Id)
		case "crash":
			os.Exit(3)
		case "garbage":
			s.writeLine([]byte("this is not json"))
			s.reply(msg.Id, map[string]any{})
		default:
			if len(msg.Id) > 0 {
				s.write(map[string]any{
					"jsonrpc": "2.0",
					"id":      msg.Id,
					"error":   map[string]any{"code": -32601, "message": "method not found: " + msg.Method},
				})
			}
		}
	}
	for ignoreTerm {
		time.Sleep(time.Hour)
	}
	os.Exit(0)
}
