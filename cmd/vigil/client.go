package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"vigil/internal/config"
)

// client is the thin HTTP caller behind the convenience subcommands. It
// speaks the same /v1/ops surface any agent integration would, so the CLI
// exercises exactly what agents see.
type client struct {
	base    string
	session string
	http    *http.Client
}

// sessionFileName holds the CLI's transport session key under the data dir,
// keeping repeated invocations bound to the same agent.
const sessionFileName = "session"

// newClient resolves the monitor address (flag, then VIGIL_SERVER, then the
// configured host:port) and loads or mints the CLI session key.
func newClient() (*client, error) {
	base := serverAddr
	if base == "" {
		base = os.Getenv("VIGIL_SERVER")
	}
	if base == "" {
		cfg, err := config.Load(config.PathIn(resolvedDataDir()))
		if err != nil {
			return nil, exitWith(exitConfig, err)
		}
		base = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	session, err := loadOrCreateSession()
	if err != nil {
		return nil, err
	}

	return &client{
		base:    strings.TrimRight(base, "/"),
		session: session,
		http:    &http.Client{Timeout: 90 * time.Second},
	}, nil
}

// loadOrCreateSession reads the persisted session key, minting one on first
// use. The key is opaque to the server; it only has meaning once an onboard
// or key auth binds it.
func loadOrCreateSession() (string, error) {
	path := filepath.Join(resolvedDataDir(), sessionFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		if key := strings.TrimSpace(string(data)); key != "" {
			return key, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read session file: %w", err)
	}

	key := "cli-" + uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist session key: %w", err)
	}
	return key, nil
}

// opEnvelope mirrors the server's response body.
type opEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code         string `json:"code"`
		Message      string `json:"message"`
		Recovery     string `json:"recovery"`
		RetryAfterMs int64  `json:"retry_after_ms"`
	} `json:"error"`
}

// call runs one named operation and returns the raw result document.
func (c *client) call(ctx context.Context, op string, args interface{}) (json.RawMessage, error) {
	var body io.Reader
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode arguments: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/ops/"+op, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vigil-Session", c.session)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("monitor unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var env opEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, truncate(string(data), 200))
	}
	if env.Error != nil {
		msg := fmt.Sprintf("%s: %s", env.Error.Code, env.Error.Message)
		if env.Error.Recovery != "" {
			msg += fmt.Sprintf(" (try %s)", env.Error.Recovery)
		}
		if env.Error.RetryAfterMs > 0 {
			msg += fmt.Sprintf(" [retry after %dms]", env.Error.RetryAfterMs)
		}
		return nil, fmt.Errorf("%s", msg)
	}
	return env.Result, nil
}

// callInto runs an operation and decodes its result.
func (c *client) callInto(ctx context.Context, op string, args, into interface{}) error {
	raw, err := c.call(ctx, op, args)
	if err != nil {
		return err
	}
	if into == nil {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", op, err)
	}
	return nil
}

// printJSON pretty-prints a raw result document to stdout.
func printJSON(raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// cmdContext returns the context for one client call.
func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 90*time.Second)
}
