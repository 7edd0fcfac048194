// ABOUTME: Stream consumer folding provider stream events into a final response.
// ABOUTME: Batches text deltas into assistant_chunk events and signals assistant_stream_end.

package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389-research/mahout/llm"
)

// chunkFlushSize batches small text deltas so transports are not flooded
// with one event per token.
const chunkFlushSize = 200

// consumeStream drains a provider stream, forwarding text as assistant_chunk
// events, and returns the final accumulated response. Cancellation is
// returned as ctx.Err so callers can distinguish an interrupt from a
// provider fault.
func consumeStream(ctx context.Context, stream <-chan llm.StreamEvent, s *Session) (*llm.Response, error) {
	var buf strings.Builder
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		s.emit(EventAssistantChunk, map[string]any{"text": buf.String()})
		buf.Reset()
	}

	var final *llm.Response
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				flush()
				s.emit(EventAssistantStreamEnd, nil)
				if final == nil {
					return nil, fmt.Errorf("stream ended without a final response")
				}
				return final, nil
			}
			switch ev.Type {
			case llm.StreamTextDelta:
				buf.WriteString(ev.Delta)
				if buf.Len() >= chunkFlushSize {
					flush()
				}
			case llm.StreamFinish:
				final = ev.Response
			case llm.StreamErrorEvt:
				flush()
				return nil, ev.Error
			}
		}
	}
}
