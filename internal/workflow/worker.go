package workflow

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// RunWorker is the child-process side of ProcessLauncher. It reads the job
// spec from in, runs it with runner, and writes every message to out as a
// JSON line. A "cancel" line on in, or in reaching EOF because the parent
// went away, cancels the job.
func RunWorker(ctx context.Context, in io.Reader, out io.Writer, runner JobRunner) error {
	reader := bufio.NewReader(in)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return fmt.Errorf("read job spec: %w", err)
	}
	var spec JobSpec
	if err := json.Unmarshal(line, &spec); err != nil {
		return fmt.Errorf("decode job spec: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			command, err := reader.ReadString('\n')
			if strings.TrimSpace(command) == cancelCommand {
				cancel()
			}
			if err != nil {
				cancel()
				return
			}
		}
	}()

	var (
		mu       sync.Mutex
		writeErr error
	)
	enc := json.NewEncoder(out)
	runner.Execute(ctx, spec, func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(m); err != nil && writeErr == nil {
			writeErr = err
		}
	})
	if writeErr != nil {
		return fmt.Errorf("write worker message: %w", writeErr)
	}
	return nil
}
