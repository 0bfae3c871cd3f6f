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

// Package export renders the archived message logs of a finished job into
// their final browsable form, one directory per chat next to the media.
package export

import (
	"encoding/json"
	"html/template"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tgvault/tgvault/common"
	"github.com/tgvault/tgvault/engine"
)

// NewFinalizer wires the renderers into the job controller.
func NewFinalizer(lg *zap.Logger) engine.Finalizer {
	lg = lg.Named("export")
	return func(job *common.Job, store *engine.ResumeStore, chats map[int64]common.ChatDescriptor) error {
		return Render(lg, job, store, chats)
	}
}

// Render writes the configured output formats for every chat the job
// archived.
func Render(lg *zap.Logger, job *common.Job, store *engine.ResumeStore,
	chats map[int64]common.ChatDescriptor) error {

	chatIDs, err := store.MessageChats(job.ID)
	if err != nil {
		return err
	}
	for _, chatID := range chatIDs {
		chat, ok := chats[chatID]
		if !ok {
			chat = common.ChatDescriptor{ID: chatID, Title: "chat"}
		}
		records, err := store.LoadMessages(job.ID, chatID)
		if err != nil {
			return err
		}
		dir := filepath.Join(job.Output.Root, engine.ChatDirName(chat))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create chat export dir")
		}

		if job.Output.Format.IncludesJSON() {
			if err := renderJSON(dir, chat, records); err != nil {
				return err
			}
		}
		if job.Output.Format.IncludesHTML() {
			if err := renderHTML(dir, chat, records); err != nil {
				return err
			}
		}
		lg.Info("chat rendered",
			zap.Int64("chat", chatID),
			zap.Int("messages", len(records)),
			zap.String("format", job.Output.Format.String()))
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// jsonExport mirrors the layout of the official desktop export's result.json
// closely enough for existing tooling to read it.
type jsonExport struct {
	Name     string                 `json:"name"`
	Type     string                 `json:"type"`
	ID       int64                  `json:"id"`
	Messages []common.MessageRecord `json:"messages"`
}

func renderJSON(dir string, chat common.ChatDescriptor, records []common.MessageRecord) error {
	out := jsonExport{
		Name:     chat.Title,
		Type:     chat.Type.String(),
		ID:       chat.ID,
		Messages: records,
	}
	data, err := json.MarshalIndent(&out, "", " ")
	if err != nil {
		return errors.Wrap(err, "marshal export")
	}
	return common.WriteFileAtomic(filepath.Join(dir, "result.json"), data, 0o644)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var htmlTmpl = template.Must(template.New("chat").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; color: #222; }
.msg { border-bottom: 1px solid #eee; padding: .6rem 0; }
.meta { color: #888; font-size: .8rem; }
.service { color: #888; font-style: italic; }
.media a { color: #2a6; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Messages}}<div class="msg{{if .Service}} service{{end}}">
<div class="meta">#{{.ID}} · {{.When}}{{if .Out}} · me{{end}}</div>
{{if .Text}}<div class="text">{{.Text}}</div>{{end}}
{{if .MediaHref}}<div class="media"><a href="{{.MediaHref}}">{{.MediaLabel}}</a></div>{{end}}
</div>
{{end}}</body>
</html>
`))

type htmlMessage struct {
	ID         int
	When       string
	Out        bool
	Service    bool
	Text       string
	MediaHref  string
	MediaLabel string
}

type htmlPage struct {
	Title    string
	Messages []htmlMessage
}

func renderHTML(dir string, chat common.ChatDescriptor, records []common.MessageRecord) error {
	page := htmlPage{Title: chat.Title}
	chatDir := engine.ChatDirName(chat)
	for _, rec := range records {
		m := htmlMessage{
			ID:      rec.ID,
			When:    rec.Date.Format("2006-01-02 15:04:05"),
			Out:     rec.Out,
			Service: rec.Service,
			Text:    rec.Text,
		}
		if rec.MediaPath != "" {
			// MediaPath is relative to the export root; the page lives in
			// the chat directory.
			href := rec.MediaPath
			if strings.HasPrefix(href, chatDir+"/") {
				href = strings.TrimPrefix(href, chatDir+"/")
			}
			m.MediaHref = href
			m.MediaLabel = path.Base(rec.MediaPath)
		}
		page.Messages = append(page.Messages, m)
	}

	f, err := os.Create(filepath.Join(dir, "messages.html"))
	if err != nil {
		return errors.Wrap(err, "create html export")
	}
	defer f.Close()
	if err := htmlTmpl.Execute(f, &page); err != nil {
		return errors.Wrap(err, "render html export")
	}
	return errors.Wrap(f.Sync(), "sync html export")
}
