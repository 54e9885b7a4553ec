// Package engineproc binds the external chat-protocol engine to the adapter
// interface. One engine process is spawned per session, handed the session's
// credential directory, and spoken to over line-delimited JSON on stdio. The
// engine does all the protocol work (pairing cryptography, wire format);
// this package only relays events and commands.
package engineproc

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/lojahub/waconnect/adapter"
)

// killGrace is how long a stop waits for the engine to exit on its own
// before the process is forcibly terminated.
const killGrace = 5 * time.Second

// Engine output lines carry large base64 media payloads.
const maxLineSize = 32 * 1024 * 1024

type Config struct {
	// Binary is the engine executable path.
	Binary string
	// Args are prepended before the per-session arguments.
	Args   []string
	Logger zerolog.Logger
}

// Factory returns an adapter.Factory which spawns one engine process per
// session.
func (c Config) Factory() adapter.Factory {
	return func(sessionID, credentialDir string, sink adapter.EventSink) (adapter.Adapter, error) {
		if c.Binary == "" {
			return nil, fmt.Errorf("engineproc: no engine binary configured")
		}
		args := append(append([]string{}, c.Args...), "--session", sessionID, "--store", credentialDir)
		return &proc{
			sessionID: sessionID,
			cmd:       exec.Command(c.Binary, args...),
			sink:      sink,
			exited:    make(chan struct{}),
			pending:   make(map[string]chan gjson.Result),
			logger:    c.Logger.With().Str("session", sessionID).Logger(),
		}, nil
	}
}

type proc struct {
	sessionID string
	cmd       *exec.Cmd
	sink      adapter.EventSink
	logger    zerolog.Logger

	// waitOnce guards cmd.Wait: both Stop and the read loop want to reap
	// the process, and exec.Cmd only tolerates one Wait.
	waitOnce sync.Once
	exited   chan struct{}

	mu      sync.Mutex
	stdin   io.WriteCloser
	started bool
	stopped bool
	// pending maps request id to the channel its response will arrive on.
	pending map[string]chan gjson.Result
}

type command struct {
	ID   string `json:"id"`
	Op   string `json:"op"`
	To   string `json:"to,omitempty"`
	Text string `json:"text,omitempty"`
	// Data is base64 for send_media.
	Data      string `json:"data,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Number    string `json:"number,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

func (p *proc) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("engineproc: already started")
	}
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("engineproc: cannot spawn engine: %w", err)
	}
	p.stdin = stdin
	p.started = true
	go p.readLoop(stdout)
	return nil
}

// Stop asks the engine to exit and kills it if it does not. Safe to call
// more than once.
func (p *proc) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	stdin := p.stdin
	p.mu.Unlock()

	if stdin != nil {
		// A closed stdin is the engine's shutdown signal.
		stdin.Close()
	}
	go p.wait()
	select {
	case <-p.exited:
	case <-time.After(killGrace):
		p.logger.Warn().Msg("engine did not exit, killing")
		p.cmd.Process.Kill()
		<-p.exited
	case <-ctx.Done():
		p.cmd.Process.Kill()
		<-p.exited
	}
	return nil
}

// wait reaps the engine process exactly once, no matter how many callers
// race to it.
func (p *proc) wait() {
	p.waitOnce.Do(func() {
		p.cmd.Wait()
		close(p.exited)
	})
	<-p.exited
}

func (p *proc) SendText(ctx context.Context, to, text string) (string, error) {
	res, err := p.roundTrip(ctx, command{Op: "send_text", To: to, Text: text})
	if err != nil {
		return "", err
	}
	return res.Get("messageId").Str, nil
}

func (p *proc) SendMedia(ctx context.Context, to string, data []byte, filename, caption string) (string, error) {
	res, err := p.roundTrip(ctx, command{
		Op:       "send_media",
		To:       to,
		Data:     base64.StdEncoding.EncodeToString(data),
		Filename: filename,
		Caption:  caption,
	})
	if err != nil {
		return "", err
	}
	return res.Get("messageId").Str, nil
}

func (p *proc) ResolveDestination(ctx context.Context, digits string) (string, bool, error) {
	res, err := p.roundTrip(ctx, command{Op: "resolve", Number: digits})
	if err != nil {
		return "", false, err
	}
	if !res.Get("exists").Bool() {
		return "", false, nil
	}
	return res.Get("canonical").Str, true, nil
}

func (p *proc) DownloadMedia(ctx context.Context, messageID string) ([]byte, error) {
	res, err := p.roundTrip(ctx, command{Op: "download", MessageID: messageID})
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(res.Get("data").Str)
}

// roundTrip writes one command and blocks until its response arrives or ctx
// expires.
func (p *proc) roundTrip(ctx context.Context, cmd command) (gjson.Result, error) {
	cmd.ID = xid.New().String()
	ch := make(chan gjson.Result, 1)

	p.mu.Lock()
	if p.stopped || p.stdin == nil {
		p.mu.Unlock()
		return gjson.Result{}, fmt.Errorf("engineproc: engine not running")
	}
	p.pending[cmd.ID] = ch
	stdin := p.stdin
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, cmd.ID)
		p.mu.Unlock()
	}()

	line, err := json.Marshal(cmd)
	if err != nil {
		return gjson.Result{}, err
	}
	if _, err := stdin.Write(append(line, '\n')); err != nil {
		return gjson.Result{}, fmt.Errorf("engineproc: command write failed: %w", err)
	}
	select {
	case res := <-ch:
		if !res.Get("ok").Bool() {
			return gjson.Result{}, fmt.Errorf("engineproc: %s failed: %s", cmd.Op, res.Get("error").Str)
		}
		return res, nil
	case <-ctx.Done():
		return gjson.Result{}, ctx.Err()
	}
}

// readLoop consumes the engine's stdout until the process exits, translating
// event lines into adapter events and routing response lines to their
// waiting commands. If the stream ends without a close event, a transient
// close is synthesized so the session manager always observes a reason.
func (p *proc) readLoop(stdout io.Reader) {
	sawClose := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := gjson.ParseBytes(scanner.Bytes())
		if id := line.Get("id").Str; id != "" {
			p.mu.Lock()
			ch := p.pending[id]
			p.mu.Unlock()
			if ch != nil {
				ch <- line
			}
			continue
		}
		if ev := p.translate(line); ev != nil {
			if _, closed := ev.(adapter.Closed); closed {
				sawClose = true
			}
			p.sink(ev)
		}
	}
	p.wait()
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if !sawClose && !stopped {
		p.sink(adapter.Closed{Reason: adapter.CloseReason{
			Code:    adapter.CloseStream,
			Message: "engine exited unexpectedly",
		}})
	}
}

func (p *proc) translate(line gjson.Result) adapter.Event {
	switch line.Get("event").Str {
	case "pairing_code":
		return adapter.PairingCode{Code: line.Get("code").Str}
	case "connected":
		return adapter.Connected{Identity: line.Get("identity").Str}
	case "closed":
		return adapter.Closed{Reason: adapter.CloseReason{
			Code:    adapter.CloseReasonCode(line.Get("reason").Str),
			Message: line.Get("message").Str,
		}}
	case "message":
		ts := time.Unix(line.Get("timestamp").Int(), 0)
		return adapter.IncomingMessage{
			ID:        line.Get("messageId").Str,
			From:      line.Get("from").Str,
			Kind:      adapter.MediaKind(line.Get("kind").Str),
			Text:      line.Get("text").Str,
			Filename:  line.Get("filename").Str,
			Timestamp: ts,
		}
	case "ack":
		return adapter.DeliveryAck{
			MessageID: line.Get("messageId").Str,
			Status:    line.Get("status").Str,
		}
	default:
		p.logger.Warn().Str("event", line.Get("event").Str).Msg("unknown engine event")
		return nil
	}
}
