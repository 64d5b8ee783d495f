package trainer

import (
	"context"
	"strings"
	"testing"
)

type reportCall struct {
	current, total int
	message        string
}

func TestScriptRunner_ParsesProtocol(t *testing.T) {
	script := `cat > /dev/null
echo "PROGRESS 1 2 epoch 1/2"
echo "some plain log line"
echo "PROGRESS 2 2 epoch 2/2"
echo 'RESULT {"status":"completed","model_path":"/tmp/out","metrics":{"loss":0.5}}'`

	var calls []reportCall
	res, err := NewScriptRunner(script).Run(context.Background(), Config{ModelName: "gpt2"}, func(current, total int, message string) {
		calls = append(calls, reportCall{current, total, message})
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Status != ResultCompleted || res.ModelPath != "/tmp/out" {
		t.Fatalf("result = %+v", res)
	}
	if res.Metrics["loss"] != 0.5 {
		t.Fatalf("metrics = %v", res.Metrics)
	}

	if len(calls) != 3 {
		t.Fatalf("got %d report calls: %+v", len(calls), calls)
	}
	if calls[0] != (reportCall{1, 2, "epoch 1/2"}) {
		t.Fatalf("first call = %+v", calls[0])
	}
	// Plain lines are forwarded with the last seen counters.
	if calls[1] != (reportCall{1, 2, "some plain log line"}) {
		t.Fatalf("second call = %+v", calls[1])
	}
	if calls[2] != (reportCall{2, 2, "epoch 2/2"}) {
		t.Fatalf("third call = %+v", calls[2])
	}
}

func TestScriptRunner_ReadsConfigFromStdin(t *testing.T) {
	// The script echoes the model name it received back through the result.
	script := `name=$(sed 's/.*"model_name":"\([^"]*\)".*/\1/')
echo "RESULT {\"status\":\"completed\",\"model_path\":\"/tmp/$name\"}"`

	res, err := NewScriptRunner(script).Run(context.Background(), Config{ModelName: "llama3-7b"}, func(int, int, string) {})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ModelPath != "/tmp/llama3-7b" {
		t.Fatalf("model path = %q", res.ModelPath)
	}
}

func TestScriptRunner_ExitFailureCarriesStderr(t *testing.T) {
	script := `cat > /dev/null
echo "CUDA out of memory" >&2
exit 1`

	_, err := NewScriptRunner(script).Run(context.Background(), Config{}, func(int, int, string) {})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Fatalf("err = %v, want stderr tail", err)
	}
}

func TestScriptRunner_NoResultIsError(t *testing.T) {
	_, err := NewScriptRunner(`cat > /dev/null; echo "PROGRESS 1 10 warmup"`).Run(context.Background(), Config{}, func(int, int, string) {})
	if err == nil || !strings.Contains(err.Error(), "no result") {
		t.Fatalf("err = %v, want no-result error", err)
	}
}

func TestScriptRunner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	_, err := NewScriptRunner(`cat > /dev/null; echo READY; exec sleep 30`).Run(ctx, Config{}, func(_, _ int, message string) {
		if message == "READY" {
			cancel()
		}
	})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestParseProgress(t *testing.T) {
	current, total, msg, err := parseProgress("PROGRESS 40 120 epoch 1/3 step 40")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if current != 40 || total != 120 || msg != "epoch 1/3 step 40" {
		t.Fatalf("got %d %d %q", current, total, msg)
	}

	if _, _, _, err := parseProgress("PROGRESS nope"); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, _, _, err := parseProgress("PROGRESS x y z"); err == nil {
		t.Fatalf("expected parse error")
	}
}
