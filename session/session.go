// Copyright © 2024 tgvault
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package session maintains one authenticated MTProto connection to the
// messaging service and answers the calls the export engine needs: dialog
// iteration, ascending history iteration, chunked file download, and access
// reference refresh. Every outbound request passes one shared rate gate.
package session

import (
	"context"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/telegram"
	tdsession "github.com/gotd/td/session"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/tgvault/tgvault/common"
)

// Options configures one Session.
type Options struct {
	APIID       int
	APIHash     string
	SessionFile string
	ProxyURL    string // optional socks5://[user:pass@]host:port
	IPv6        bool
	Logger      *zap.Logger

	// Rate gate tuning; zero values take the defaults below.
	RequestsPerSecond float64
	Burst             int
	MinSpacing        time.Duration

	// ChunkTimeout is the per-chunk request deadline.
	ChunkTimeout time.Duration
}

const (
	defaultRequestsPerSecond = 8
	defaultBurst             = 4
	defaultMinSpacing        = 50 * time.Millisecond
	defaultChunkTimeout      = 60 * time.Second
)

// Session is one logical session against the messaging service, shared by
// all jobs of one authenticated user.
type Session struct {
	lg     *zap.Logger
	gate   *common.RateGate
	client *telegram.Client
	api    *tg.Client

	chunkTimeout time.Duration

	selfID int64

	runCancel context.CancelFunc
	runDone   chan struct{}
	runErr    error
}

// New builds a Session; Start must be called before use.
func New(opts Options) (*Session, error) {
	if opts.APIID == 0 || opts.APIHash == "" {
		return nil, errors.New("api_id and api_hash are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = defaultRequestsPerSecond
	}
	if opts.Burst == 0 {
		opts.Burst = defaultBurst
	}
	if opts.MinSpacing == 0 {
		opts.MinSpacing = defaultMinSpacing
	}
	if opts.ChunkTimeout == 0 {
		opts.ChunkTimeout = defaultChunkTimeout
	}

	if err := os.MkdirAll(filepath.Dir(opts.SessionFile), 0o700); err != nil {
		return nil, errors.Wrap(err, "session dir")
	}

	gate := common.NewRateGate(opts.RequestsPerSecond, opts.Burst, opts.MinSpacing)

	resolver, err := buildResolver(opts)
	if err != nil {
		return nil, err
	}

	s := &Session{
		lg:           opts.Logger.Named("session"),
		gate:         gate,
		chunkTimeout: opts.ChunkTimeout,
		runDone:      make(chan struct{}),
	}

	s.client = telegram.NewClient(opts.APIID, opts.APIHash, telegram.Options{
		SessionStorage: &tdsession.FileStorage{Path: opts.SessionFile},
		Logger:         opts.Logger.Named("td"),
		Resolver:       resolver,
		Middlewares: []telegram.Middleware{
			newGateMiddleware(gate),
		},
	})
	s.api = s.client.API()
	return s, nil
}

func buildResolver(opts Options) (dcs.Resolver, error) {
	plain := dcs.PlainOptions{PreferIPv6: opts.IPv6}
	if opts.ProxyURL != "" {
		u, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, errors.Wrap(err, "proxy url")
		}
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if err != nil {
			return nil, errors.Wrap(err, "socks5 dialer")
		}
		ctxDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("proxy dialer does not support context")
		}
		plain.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return ctxDialer.DialContext(ctx, network, addr)
		}
	}
	return dcs.Plain(plain), nil
}

// Start connects and blocks until the session is authorized and ready, or
// fails. The connection then stays up in the background; gotd reconnects on
// transport drops with its own capped backoff.
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel

	ready := make(chan struct{})
	go func() {
		defer close(s.runDone)
		s.runErr = s.client.Run(runCtx, func(cctx context.Context) error {
			status, err := s.client.Auth().Status(cctx)
			if err != nil {
				return errors.Wrap(err, "auth status")
			}
			if !status.Authorized {
				return &common.FatalError{Code: "SESSION_UNAUTHORIZED",
					Msg: "no authorized session on disk; complete login first"}
			}
			self, err := s.client.Self(cctx)
			if err != nil {
				return errors.Wrap(err, "fetch self")
			}
			s.selfID = self.ID
			s.lg.Info("session ready",
				zap.Int64("user_id", self.ID),
				zap.String("username", self.Username))
			close(ready)
			<-cctx.Done()
			return cctx.Err()
		})
	}()

	select {
	case <-ready:
		return nil
	case <-s.runDone:
		return s.runErr
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Close tears the connection down and waits for the run loop to exit.
func (s *Session) Close() {
	if s.runCancel != nil {
		s.runCancel()
	}
	<-s.runDone
}

// SelfID is the authenticated user's id, valid after Start.
func (s *Session) SelfID() int64 {
	return s.selfID
}

// Gate exposes the shared rate gate (the delegated downloader holds it too
// while an external invocation is using the same credentials).
func (s *Session) Gate() *common.RateGate {
	return s.gate
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// gateMiddleware serialises every outbound RPC through the rate gate and
// asserts the hold window when the server answers with a flood wait.
type gateMiddleware struct {
	gate *common.RateGate
}

func newGateMiddleware(gate *common.RateGate) telegram.Middleware {
	return gateMiddleware{gate: gate}
}

func (m gateMiddleware) Handle(next tg.Invoker) telegram.InvokeFunc {
	return func(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
		if err := m.gate.Wait(ctx); err != nil {
			return err
		}
		err := next.Invoke(ctx, input, output)
		if d, ok := tgerr.AsFloodWait(err); ok {
			m.gate.Hold(d)
		}
		return err
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var permanentCodes = []string{
	"CHANNEL_PRIVATE", "CHANNEL_INVALID", "PEER_ID_INVALID", "CHAT_ID_INVALID",
	"MSG_ID_INVALID", "MESSAGE_ID_INVALID", "FILE_ID_INVALID", "LOCATION_INVALID",
	"MEDIA_EMPTY", "FILE_TOKEN_INVALID",
}

var fatalCodes = []string{
	"AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED",
	"SESSION_EXPIRED", "USER_DEACTIVATED", "USER_DEACTIVATED_BAN",
}

// mapRPCError folds a gotd error into the engine's tagged error kinds.
func mapRPCError(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &common.FloodWaitError{Wait: d}
	}
	if tgerr.Is(err, "FILE_REFERENCE_EXPIRED", "FILE_REFERENCE_INVALID") {
		return &common.ReferenceExpiredError{Code: "FILE_REFERENCE_EXPIRED"}
	}
	if rpcErr, ok := tgerr.As(err); ok {
		for _, code := range fatalCodes {
			if rpcErr.Type == code {
				return &common.FatalError{Code: code, Msg: rpcErr.Message}
			}
		}
		for _, code := range permanentCodes {
			if rpcErr.Type == code {
				return &common.PermanentError{Code: code, Msg: rpcErr.Message}
			}
		}
		// FILE_REFERENCE_* has hash-suffixed variants.
		if len(rpcErr.Type) >= 14 && rpcErr.Type[:14] == "FILE_REFERENCE" {
			return &common.ReferenceExpiredError{Code: rpcErr.Type}
		}
	}
	return err // transient by classification default
}
