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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tgvault/tgvault/api"
	"github.com/tgvault/tgvault/common"
	"github.com/tgvault/tgvault/engine"
	"github.com/tgvault/tgvault/export"
	"github.com/tgvault/tgvault/session"
	"github.com/tgvault/tgvault/tdl"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the export engine and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		return err
	}
	lg, err := common.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer lg.Sync()

	lg.Info("starting", zap.String("config", configPath), zap.Int("port", cfg.WebPort))

	sess, err := session.New(session.Options{
		APIID:       cfg.APIID,
		APIHash:     cfg.APIHash,
		SessionFile: cfg.SessionFile,
		ProxyURL:    cfg.ProxyURL,
		IPv6:        cfg.IPv6,
		Logger:      lg,
	})
	if err != nil {
		return errors.Wrap(err, "build session")
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancelStart()
	if err := sess.Start(startCtx); err != nil {
		return errors.Wrap(err, "connect session")
	}
	defer sess.Close()

	store, err := engine.NewResumeStore(cfg.DataRoot, lg)
	if err != nil {
		return err
	}

	var delegate engine.DelegatedDownloader
	if cfg.TDLContainer != "" {
		delegate = tdl.NewRunner(lg, "", cfg.TDLContainer)
	} else {
		delegate = tdl.NewRunner(lg, "tdl", "")
	}

	eng := engine.NewEngine(lg, sess, store, delegate, export.NewFinalizer(lg), cfg.ExportRoot)
	if err := eng.Rehydrate(); err != nil {
		return errors.Wrap(err, "restore jobs")
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WebPort),
		Handler: api.NewServer(lg, eng, cfg).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("http api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case s := <-sig:
		lg.Info("shutting down", zap.String("signal", s.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	eng.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("http shutdown", zap.Error(err))
	}
	lg.Info("bye")
	return nil
}
