package tts

import (
	"context"
	"strings"

	"github.com/MrWong99/parley/pkg/audio"
)

// BatchChunkBytes is the size of the PCM chunks [Batched] emits.
const BatchChunkBytes = 4096

// SynthFunc renders one sentence to PCM in a single request.
type SynthFunc func(ctx context.Context, sentence string) ([]byte, error)

// Batched turns a request-per-utterance backend into a stream. Text
// fragments are joined into sentences with [SentenceEnd]; up to lookahead
// sentences are synthesised concurrently and their audio is emitted in
// sentence order. The first failed sentence ends the stream with an error
// chunk. Emitted chunks hold whole frames of the given channel count.
func Batched(ctx context.Context, text <-chan string, lookahead, channels int, synth SynthFunc) <-chan Chunk {
	lookahead = max(lookahead, 1)
	out := make(chan Chunk, 64)
	sentences := make(chan string, lookahead)
	pending := make(chan chan result, lookahead)

	go joinSentences(ctx, text, sentences)

	go func() {
		defer close(pending)
		for s := range sentences {
			res := make(chan result, 1)
			select {
			case pending <- res:
			case <-ctx.Done():
				return
			}
			go func() {
				pcm, err := synth(ctx, s)
				res <- result{pcm, err}
			}()
		}
	}()

	go func() {
		defer close(out)
		for res := range pending {
			var r result
			select {
			case r = <-res:
			case <-ctx.Done():
				return
			}
			if r.err != nil {
				if ctx.Err() == nil {
					select {
					case out <- Chunk{Err: r.err}:
					case <-ctx.Done():
					}
				}
				return
			}
			for _, c := range audio.Chunk(r.pcm, BatchChunkBytes, channels) {
				select {
				case out <- Chunk{PCM: c}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

type result struct {
	pcm []byte
	err error
}

// joinSentences forwards complete sentences from text, then whatever is
// left once text closes.
func joinSentences(ctx context.Context, text <-chan string, sentences chan<- string) {
	defer close(sentences)
	send := func(s string) bool {
		if s = strings.TrimSpace(s); s == "" {
			return true
		}
		select {
		case sentences <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var buf strings.Builder
	for {
		var frag string
		var ok bool
		select {
		case frag, ok = <-text:
		case <-ctx.Done():
			return
		}
		if !ok {
			send(buf.String())
			return
		}
		buf.WriteString(frag)
		rest := buf.String()
		for end := SentenceEnd(rest, false); end >= 0; end = SentenceEnd(rest, false) {
			if !send(rest[:end]) {
				return
			}
			rest = rest[end:]
		}
		buf.Reset()
		buf.WriteString(rest)
	}
}
