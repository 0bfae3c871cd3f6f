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

// Package tdl delegates media transfers to the external tdl tool, either a
// local binary or one inside a docker container. The adapter builds message
// links, runs one invocation per batch, and trusts only the exit code plus
// the files on disk; progress output is advisory.
package tdl

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tgvault/tgvault/common"
)

// Runner invokes tdl. Only one invocation runs at a time because the
// external tool holds the same account session.
type Runner struct {
	lg        *zap.Logger
	binary    string
	container string // non-empty: run via docker exec
	sem       *semaphore.Weighted
}

func NewRunner(lg *zap.Logger, binary, container string) *Runner {
	if binary == "" {
		binary = "tdl"
	}
	return &Runner{
		lg:        lg.Named("tdl"),
		binary:    binary,
		container: container,
		sem:       semaphore.NewWeighted(1),
	}
}

// Download transfers one batch. Items are grouped per target directory so
// each invocation downloads into exactly one place. An item only counts as
// done when its file exists on disk with the expected size.
func (r *Runner) Download(ctx context.Context, exportRoot string, batch []common.MediaItem,
	progress func(key string, downloaded int64)) ([]string, map[string]error, error) {

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	defer r.sem.Release(1)

	var (
		done   []string
		failed = map[string]error{}
	)
	for dir, group := range groupByDir(batch) {
		gdone, gfailed, err := r.downloadGroup(ctx, filepath.Join(exportRoot, dir), group, progress)
		if err != nil {
			// Whole-invocation failure fails every item of the group.
			for _, item := range group {
				failed[item.Key()] = err
			}
			continue
		}
		done = append(done, gdone...)
		for k, v := range gfailed {
			failed[k] = v
		}
	}
	return done, failed, nil
}

func groupByDir(batch []common.MediaItem) map[string][]common.MediaItem {
	out := map[string][]common.MediaItem{}
	for _, item := range batch {
		out[item.Dir] = append(out[item.Dir], item)
	}
	return out
}

func (r *Runner) downloadGroup(ctx context.Context, dir string, group []common.MediaItem,
	progress func(key string, downloaded int64)) ([]string, map[string]error, error) {

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, errors.Wrap(err, "create target dir")
	}

	failed := map[string]error{}
	byMessage := map[int]common.MediaItem{}
	var links []string
	for _, item := range group {
		link, err := MessageLink(item.ChatID, item.MessageID)
		if err != nil {
			failed[item.Key()] = err
			continue
		}
		links = append(links, link)
		byMessage[item.MessageID] = item
	}
	if len(links) == 0 {
		return nil, failed, nil
	}

	cmd := r.command(ctx, dir, links)
	r.lg.Debug("invoking external downloader",
		zap.Int("links", len(links)), zap.String("dir", dir))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, errors.Wrap(err, "start external downloader")
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			r.lg.Debug("tdl stderr", zap.String("line", sc.Text()))
		}
	}()

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := sc.Text()
		if msgID, pct, ok := ParseProgress(line); ok {
			if item, known := byMessage[msgID]; known && progress != nil {
				progress(item.Key(), int64(pct/100*float64(item.Size)))
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		return nil, nil, errors.Wrap(err, "external downloader")
	}

	// Exit code 0: reconcile against the filesystem, item by item.
	var done []string
	for _, item := range group {
		if _, already := failed[item.Key()]; already {
			continue
		}
		if err := r.claimFile(dir, item); err != nil {
			failed[item.Key()] = err
			continue
		}
		done = append(done, item.Key())
	}
	return done, failed, nil
}

func (r *Runner) command(ctx context.Context, dir string, links []string) *exec.Cmd {
	args := []string{"dl", "--continue", "-d", dir}
	for _, link := range links {
		args = append(args, "-u", link)
	}
	if r.container != "" {
		full := append([]string{"exec", r.container, r.binary}, args...)
		return exec.CommandContext(ctx, "docker", full...)
	}
	return exec.CommandContext(ctx, r.binary, args...)
}

// claimFile locates the file tdl produced for the item, renames it to the
// canonical name, and checks the size. tdl names files with its own scheme,
// so the match is by message id substring.
func (r *Runner) claimFile(dir string, item common.MediaItem) error {
	final := filepath.Join(dir, item.Name)
	if ok, err := sizeMatches(final, item.Size); err == nil && ok {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "read target dir")
	}
	needle := fmt.Sprintf("_%d_", item.MessageID)
	prefix := strconv.Itoa(item.MessageID) + "_"
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".tmp") {
			continue
		}
		if !strings.Contains(name, needle) && !strings.HasPrefix(name, prefix) {
			continue
		}
		candidate := filepath.Join(dir, name)
		if ok, err := sizeMatches(candidate, item.Size); err != nil || !ok {
			continue
		}
		if err := os.Rename(candidate, final); err != nil {
			return errors.Wrap(err, "rename downloaded file")
		}
		return nil
	}
	return errors.Errorf("no file for message %d in %s", item.MessageID, dir)
}

func sizeMatches(path string, want int64) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return want == 0 || fi.Size() == want, nil
}

// MessageLink builds the t.me link tdl accepts for one message. Only
// channel-backed chats have linkable messages.
func MessageLink(chatID int64, messageID int) (string, error) {
	raw := common.RawChannelID(chatID)
	if raw == 0 {
		return "", errors.Errorf("chat %d has no message links; use the built-in downloader", chatID)
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", raw, messageID), nil
}

// ParseProgress extracts (message id, percent) from one tdl progress line.
// Lines look like:
//
//	downloading 123456789_42_file.bin ... 63.4%
//
// Anything unparseable is ignored.
func ParseProgress(line string) (msgID int, pct float64, ok bool) {
	pctIdx := strings.LastIndex(line, "%")
	if pctIdx <= 0 {
		return 0, 0, false
	}
	start := pctIdx
	for start > 0 && (isDigit(line[start-1]) || line[start-1] == '.') {
		start--
	}
	if start == pctIdx {
		return 0, 0, false
	}
	p, err := strconv.ParseFloat(line[start:pctIdx], 64)
	if err != nil || p < 0 || p > 100 {
		return 0, 0, false
	}

	// Message id is the second underscore-separated number of the file
	// token, or the first if only one is present.
	for _, field := range strings.Fields(line) {
		parts := strings.Split(field, "_")
		if len(parts) >= 2 {
			if id, err := strconv.Atoi(parts[1]); err == nil && id > 0 {
				return id, p, true
			}
		}
		if len(parts) == 1 {
			continue
		}
	}
	return 0, p, false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
