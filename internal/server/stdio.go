package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"vigil/internal/governance"
	"vigil/internal/logging"
)

// stdioRequest is one line on the stdio transport: a named operation, an
// argument map, and the session key carried in-band because a pipe has no
// headers.
type stdioRequest struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Op      string          `json:"op"`
	Session string          `json:"session,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
}

type stdioResponse struct {
	ID     json.RawMessage `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Result interface{}     `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

// maxStdioLine bounds one request line, matching the HTTP body cap.
const maxStdioLine = maxBodyBytes

// ServeStdio reads newline-delimited JSON requests from r and writes one
// response line per request to w. Requests run concurrently under the same
// semaphore as HTTP; response order follows completion, which is why every
// response echoes the request id. Returns when r closes or ctx ends.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStdioLine)

	var writeMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	respond := func(resp stdioResponse) {
		data, err := json.Marshal(resp)
		if err != nil {
			logging.ServerError("stdio response marshal failed: %v", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		fmt.Fprintf(w, "%s\n", data)
	}

	logging.Server("stdio transport ready")
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req stdioRequest
		if err := json.Unmarshal(line, &req); err != nil {
			respond(stdioResponse{OK: false, Error: &wireError{
				Code:    "invalid_argument",
				Message: fmt.Sprintf("malformed request line: %v", err),
			}})
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(req stdioRequest) {
			defer wg.Done()
			defer s.sem.Release(1)

			caller := governance.Caller{SessionKey: req.Session}
			res, err := s.reg.Dispatch(ctx, req.Op, caller, req.Args)
			if err != nil {
				we := toWire(err)
				respond(stdioResponse{ID: req.ID, OK: false, Error: &we})
				return
			}
			respond(stdioResponse{ID: req.ID, OK: true, Result: res})
		}(req)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio transport: %w", err)
	}
	return nil
}
