package trainer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
)

// ScriptRunner executes an external training command (typically a Python
// entrypoint) and speaks a line protocol on its stdout:
//
//	PROGRESS <current> <total> <message...>
//	RESULT <json Result>
//
// The configuration is written to the command's stdin as JSON. Other stdout
// lines are forwarded as log-only progress callbacks.
type ScriptRunner struct {
	command string
}

func NewScriptRunner(command string) *ScriptRunner {
	return &ScriptRunner{command: command}
}

const stderrTailLimit = 4 * 1024

func (r *ScriptRunner) Run(ctx context.Context, cfg Config, report Progress) (*Result, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", r.command)
	cmd.Stdin = bytes.NewReader(cfgJSON)

	var stderr tailBuffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start trainer: %w", err)
	}

	var result *Result
	lastCurrent, lastTotal := 0, 0

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "PROGRESS "):
			current, total, msg, perr := parseProgress(line)
			if perr != nil {
				log.Printf("trainer: bad progress line %q: %v", line, perr)
				continue
			}
			lastCurrent, lastTotal = current, total
			report(current, total, msg)
		case strings.HasPrefix(line, "RESULT "):
			var res Result
			if jerr := json.Unmarshal([]byte(strings.TrimPrefix(line, "RESULT ")), &res); jerr != nil {
				log.Printf("trainer: bad result line: %v", jerr)
				continue
			}
			result = &res
		default:
			report(lastCurrent, lastTotal, line)
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return nil, fmt.Errorf("trainer exited: %s", msg)
	}
	if serr := scanner.Err(); serr != nil {
		return nil, fmt.Errorf("read trainer output: %w", serr)
	}
	if result == nil {
		return nil, errors.New("trainer produced no result")
	}
	return result, nil
}

func parseProgress(line string) (current, total int, msg string, err error) {
	parts := strings.SplitN(strings.TrimPrefix(line, "PROGRESS "), " ", 3)
	if len(parts) < 2 {
		return 0, 0, "", errors.New("expected: PROGRESS <current> <total> [message]")
	}
	current, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, "", err
	}
	total, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, "", err
	}
	if len(parts) == 3 {
		msg = parts[2]
	}
	return current, total, msg, nil
}

// tailBuffer keeps only the last stderrTailLimit bytes written, enough for a
// useful error message without unbounded growth.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrTailLimit {
		t.buf = t.buf[len(t.buf)-stderrTailLimit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
