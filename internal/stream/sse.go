package stream

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// Drive reads server-sent events from r until the stream ends, feeding
// each decoded chunk into the aggregator. It returns the finalized
// result, or a cancelled result when ctx ends first.
//
// The read keeps going past a finish_reason marker: providers that
// report usage do so in a trailing chunk after the last content delta.
func Drive(ctx context.Context, r io.Reader, adapter ProviderAdapter, agg *Aggregator) (Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return agg.Cancel(), nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		chunk, err := adapter.ParseChunk([]byte(payload))
		if err != nil {
			// A single garbled event is not worth aborting a stream that
			// is otherwise delivering content.
			continue
		}

		if chunk.Content != "" {
			agg.Push(chunk.Content)
		}
		if chunk.Reasoning != "" {
			agg.PushReasoning(chunk.Reasoning)
		}
		if chunk.Usage != nil {
			agg.SetUsage(*chunk.Usage)
		}
		if chunk.Done {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return agg.Cancel(), nil
		}
		return agg.Finalize(), err
	}
	if ctx.Err() != nil {
		return agg.Cancel(), nil
	}
	return agg.Finalize(), nil
}
