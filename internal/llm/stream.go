package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"simfs/internal/genbuf"
)

// GenerateStream starts a streaming generation and returns its buffer
// immediately; the HTTP exchange runs on a background goroutine that
// owns the only writer handle to the buffer. The goroutine uses its
// own context, detached from ctx: per the design, closing the
// reading process's file descriptor must not abort an in-flight
// generation, only stop a reader from waiting on it.
func (c *Client) GenerateStream(ctx context.Context, req Request) *genbuf.Buffer {
	buf := genbuf.New()
	go c.stream(req, buf)
	return buf
}

func (c *Client) stream(req Request, buf *genbuf.Buffer) {
	// Deliberately not derived from the caller's context: the
	// background worker owns its own lifetime per the design notes.
	ctx := context.Background()

	httpReq, err := c.newHTTPRequest(ctx, req, true)
	if err != nil {
		buf.MarkError(err.Error())
		return
	}

	// The client's Timeout would also cut off reading the body, so the
	// stream uses a copy without one and runs until the endpoint ends it.
	httpClient := *c.httpClient
	httpClient.Timeout = 0
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("llm stream transport failure", "path", req.Path, "error", err)
		buf.MarkError(fmt.Sprintf("transport error: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("llm endpoint returned status %d: %s", resp.StatusCode, string(data))
		c.logger.Warn("llm stream non-2xx response", "path", req.Path, "status", resp.StatusCode)
		buf.MarkError(msg)
		return
	}

	if err := parseSSE(resp.Body, buf, c.logger); err != nil {
		c.logger.Warn("llm stream read failure", "path", req.Path, "error", err)
		buf.MarkError(fmt.Sprintf("stream read error: %v", err))
		return
	}

	// The stream may have ended without an explicit [DONE] record;
	// the design treats that the same as a normal completion.
	buf.MarkComplete()
}

// parseSSE reads r incrementally, splitting it into blank-line
// delimited records and decoding "data: " payloads, appending decoded
// content to buf as it arrives. It returns when r reaches EOF or a
// [DONE] record marks buf complete; malformed JSON payloads are
// dropped and the stream continues.
func parseSSE(r io.Reader, buf *genbuf.Buffer, logger *slog.Logger) error {
	reader := bufio.NewReader(r)
	var record strings.Builder

	flush := func() (done bool) {
		line := record.String()
		record.Reset()
		for _, raw := range strings.Split(line, "\n") {
			field := strings.TrimPrefix(raw, "data:")
			if field == raw {
				continue // not a "data:" field
			}
			field = strings.TrimSpace(field)
			if field == "[DONE]" {
				buf.MarkComplete()
				return true
			}
			var event chatStreamEvent
			if err := json.Unmarshal([]byte(field), &event); err != nil {
				logger.Debug("llm stream dropped malformed event", "error", err)
				continue
			}
			if len(event.Choices) > 0 && event.Choices[0].Delta.Content != "" {
				buf.Append([]byte(event.Choices[0].Delta.Content))
			}
		}
		return false
	}

	blankLines := 0
	for {
		line, err := reader.ReadString('\n')
		if line == "\n" || line == "\r\n" {
			blankLines++
			if blankLines == 1 && record.Len() > 0 {
				if flush() {
					return nil
				}
			}
		} else if line != "" {
			blankLines = 0
			record.WriteString(line)
		}

		if err != nil {
			if err == io.EOF {
				if record.Len() > 0 {
					flush()
				}
				return nil
			}
			return err
		}
	}
}
