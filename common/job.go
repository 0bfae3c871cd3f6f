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

package common

import (
	"time"
)

// Limits applied to operator-supplied performance knobs.
const (
	MinConcurrentDownloads     = 1
	MaxConcurrentDownloads     = 20
	MaxParallelChunkConns      = 8
	DefaultConcurrentDownloads = 5
	DefaultParallelChunkConns  = 4
	DefaultMaxAttempts         = 5
	DefaultRefreshRetries      = 3
)

// ChatTypeFilter is the chat-type mask of a job filter.
type ChatTypeFilter struct {
	PrivateChats    bool `json:"private_chats" yaml:"private_chats"`
	BotChats        bool `json:"bot_chats" yaml:"bot_chats"`
	PrivateGroups   bool `json:"private_groups" yaml:"private_groups"`
	PrivateChannels bool `json:"private_channels" yaml:"private_channels"`
	PublicGroups    bool `json:"public_groups" yaml:"public_groups"`
	PublicChannels  bool `json:"public_channels" yaml:"public_channels"`
}

func (f ChatTypeFilter) Matches(t ChatType) bool {
	switch t {
	case EChatType.Private():
		return f.PrivateChats
	case EChatType.Bot():
		return f.BotChats
	case EChatType.PrivateGroup():
		return f.PrivateGroups
	case EChatType.PublicGroup():
		return f.PublicGroups
	case EChatType.PrivateChannel():
		return f.PrivateChannels
	case EChatType.PublicChannel():
		return f.PublicChannels
	default:
		return false
	}
}

// MediaTypeFilter is the media mask of a job filter. Audio and documents are
// covered by Files, matching the official export dialog.
type MediaTypeFilter struct {
	Photos        bool `json:"photos" yaml:"photos"`
	Videos        bool `json:"videos" yaml:"videos"`
	VoiceMessages bool `json:"voice_messages" yaml:"voice_messages"`
	VideoMessages bool `json:"video_messages" yaml:"video_messages"`
	Stickers      bool `json:"stickers" yaml:"stickers"`
	GIFs          bool `json:"gifs" yaml:"gifs"`
	Files         bool `json:"files" yaml:"files"`
}

func (f MediaTypeFilter) Wants(t MediaType) bool {
	switch t {
	case EMediaType.Photo():
		return f.Photos
	case EMediaType.Video():
		return f.Videos
	case EMediaType.Voice():
		return f.VoiceMessages
	case EMediaType.VideoNote():
		return f.VideoMessages
	case EMediaType.Sticker():
		return f.Stickers
	case EMediaType.Animation():
		return f.GIFs
	case EMediaType.Audio(), EMediaType.Document():
		return f.Files
	default:
		return false
	}
}

// JobFilter selects which chats and messages a job archives.
type JobFilter struct {
	Chats          ChatTypeFilter  `json:"chats"`
	SpecificChats  []int64         `json:"specific_chats,omitempty"`
	OnlyMyMessages bool            `json:"only_my_messages"`
	MessageFrom    int             `json:"message_from"`
	MessageTo      int             `json:"message_to"` // 0 = current head
	DateFrom       *time.Time      `json:"date_from,omitempty"`
	DateTo         *time.Time      `json:"date_to,omitempty"`
	Media          MediaTypeFilter `json:"media"`
	FilterMode     FilterMode      `json:"filter_mode"`
	FilterMessages []int           `json:"filter_messages,omitempty"`
}

// AllowsMessage applies the include/skip list to one message id.
func (f JobFilter) AllowsMessage(id int) bool {
	switch f.FilterMode {
	case EFilterMode.Skip():
		for _, m := range f.FilterMessages {
			if m == id {
				return false
			}
		}
		return true
	case EFilterMode.Specify():
		for _, m := range f.FilterMessages {
			if m == id {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// JobOutput is the output policy of a job.
type JobOutput struct {
	Root   string       `json:"root"`
	Format ExportFormat `json:"format"`
}

// JobPerf is the performance policy of a job. MaxConcurrentDownloads is
// mutable at runtime through the concurrency endpoint.
type JobPerf struct {
	MaxConcurrentDownloads   int    `json:"max_concurrent_downloads"`
	ParallelChunk            bool   `json:"parallel_chunk"`
	ParallelChunkConnections int    `json:"parallel_chunk_connections"`
	ProxyURL                 string `json:"proxy_url,omitempty"`
	Delegated                bool   `json:"delegated"`
	AutoRetryFailed          bool   `json:"auto_retry_failed"`
}

// Clamp forces the knobs into their documented ranges.
func (p *JobPerf) Clamp() {
	if p.MaxConcurrentDownloads < MinConcurrentDownloads {
		p.MaxConcurrentDownloads = DefaultConcurrentDownloads
	}
	if p.MaxConcurrentDownloads > MaxConcurrentDownloads {
		p.MaxConcurrentDownloads = MaxConcurrentDownloads
	}
	if p.ParallelChunkConnections < 1 {
		p.ParallelChunkConnections = DefaultParallelChunkConns
	}
	if p.ParallelChunkConnections > MaxParallelChunkConns {
		p.ParallelChunkConnections = MaxParallelChunkConns
	}
	if !p.ParallelChunk {
		p.ParallelChunkConnections = 1
	}
}

// Job is the persisted job descriptor plus its aggregates. The owning
// controller serialises all mutation; everything the API sees is a copy.
type Job struct {
	ID   JobID  `json:"id"`
	Name string `json:"name"`

	Filter JobFilter `json:"filter"`
	Output JobOutput `json:"output"`
	Perf   JobPerf   `json:"perf"`

	Status JobStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	TotalChats        int   `json:"total_chats"`
	ProcessedChats    int   `json:"processed_chats"`
	TotalMessages     int64 `json:"total_messages"`
	ProcessedMessages int64 `json:"processed_messages"`
	TotalMedia        int64 `json:"total_media"`
	DownloadedMedia   int64 `json:"downloaded_media"`
	TotalBytes        int64 `json:"total_bytes"`
	DownloadedBytes   int64 `json:"downloaded_bytes"`

	Speed          float64 `json:"speed"`
	LastError      string  `json:"last_error,omitempty"`
	LastVerify     string  `json:"last_verify,omitempty"`
	Verifying      bool    `json:"verifying"`
	CurrentChat    string  `json:"current_chat,omitempty"`
	CurrentMessage int     `json:"current_message,omitempty"`

	// Cursors maps chat id to the highest durably persisted message id.
	Cursors map[int64]int `json:"cursors,omitempty"`
}

// Progress is the overall completion percentage: chat count while
// extracting, media count while downloading, message count as fallback.
func (j *Job) Progress() float64 {
	if j.Status == EJobStatus.Extracting() {
		if j.TotalChats == 0 {
			return 0
		}
		return float64(j.ProcessedChats) / float64(j.TotalChats) * 100
	}
	if j.TotalMedia == 0 {
		if j.TotalMessages == 0 {
			return 0
		}
		return float64(j.ProcessedMessages) / float64(j.TotalMessages) * 100
	}
	return float64(j.DownloadedMedia) / float64(j.TotalMedia) * 100
}
