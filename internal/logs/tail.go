package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// FileName is the daemon log file inside the configured log directory.
const FileName = "bibwatch.log"

// Path returns the daemon log file under logDir.
func Path(logDir string) string {
	return filepath.Join(logDir, FileName)
}

// TailOptions selects which lines Tail returns.
type TailOptions struct {
	// Offset resumes reading at a byte position. Negative reads the last
	// Limit lines instead.
	Offset int64
	Limit  int
	Filter Filters
}

// TailResult holds the matching lines and the offset to resume from.
type TailResult struct {
	Lines  []string
	Offset int64
}

// Tail reads lines from path. A missing file yields no lines and offset zero.
func Tail(path string, opts TailOptions) (TailResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TailResult{}, nil
		}
		return TailResult{Offset: opts.Offset}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return TailResult{Offset: opts.Offset}, fmt.Errorf("log path %q is a directory", path)
	}
	if opts.Offset < 0 {
		return readLastLines(path, opts.Limit, opts.Filter)
	}
	offset := opts.Offset
	// A shorter file means it was truncated or replaced; start over.
	if offset > info.Size() {
		offset = 0
	}
	return readForward(path, offset, opts.Filter)
}

// Follow prints the last limit lines through emit, then keeps emitting new
// lines as they are appended until ctx ends.
func Follow(ctx context.Context, path string, limit int, filter Filters, poll time.Duration, emit func(string)) error {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	result, err := Tail(path, TailOptions{Offset: -1, Limit: limit, Filter: filter})
	if err != nil {
		return err
	}
	for _, line := range result.Lines {
		emit(line)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	offset := result.Offset
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		next, err := Tail(path, TailOptions{Offset: offset, Filter: filter})
		if err != nil {
			return err
		}
		for _, line := range next.Lines {
			emit(line)
		}
		offset = next.Offset
	}
}

func readLastLines(path string, limit int, filter Filters) (TailResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return TailResult{}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if limit <= 0 {
		size, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return TailResult{}, fmt.Errorf("seek log file: %w", err)
		}
		return TailResult{Offset: size}, nil
	}

	ring := make([]string, limit)
	count, idx := 0, 0
	offset, err := scan(file, 0, func(line string) {
		if !filter.Match(line) {
			return
		}
		ring[idx] = line
		idx = (idx + 1) % limit
		if count < limit {
			count++
		}
	})
	if err != nil {
		return TailResult{}, err
	}

	lines := make([]string, count)
	if count == limit {
		for i := 0; i < count; i++ {
			lines[i] = ring[(idx+i)%limit]
		}
	} else {
		copy(lines, ring[:count])
	}
	return TailResult{Lines: lines, Offset: offset}, nil
}

func readForward(path string, offset int64, filter Filters) (TailResult, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TailResult{}, nil
		}
		return TailResult{Offset: offset}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return TailResult{Offset: offset}, fmt.Errorf("seek log file: %w", err)
	}
	var lines []string
	next, err := scan(file, offset, func(line string) {
		if filter.Match(line) {
			lines = append(lines, line)
		}
	})
	if err != nil {
		return TailResult{Offset: offset}, err
	}
	return TailResult{Lines: lines, Offset: next}, nil
}

// scan feeds complete lines to fn and returns the offset just past the last
// newline, so a line still being written is read again on the next pass.
func scan(file *os.File, start int64, fn func(string)) (int64, error) {
	reader := bufio.NewReaderSize(file, 64*1024)
	offset := start
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return offset, nil
			}
			return offset, fmt.Errorf("read log file: %w", err)
		}
		offset += int64(len(line))
		fn(trimNewline(line))
	}
}

func trimNewline(line string) string {
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}
