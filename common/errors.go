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
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EErrorKind = ErrorKind(0)

// ErrorKind tags a transfer error with its recovery policy. Per-item errors
// never unwind the job; only Fatal reaches the job state machine.
type ErrorKind uint8

func (ErrorKind) None() ErrorKind           { return ErrorKind(0) }
func (ErrorKind) Transient() ErrorKind      { return ErrorKind(1) }
func (ErrorKind) RateLimited() ErrorKind    { return ErrorKind(2) }
func (ErrorKind) StaleReference() ErrorKind { return ErrorKind(3) }
func (ErrorKind) Permanent() ErrorKind      { return ErrorKind(4) }
func (ErrorKind) Fatal() ErrorKind          { return ErrorKind(5) }

var errorKindNames = map[ErrorKind]string{
	EErrorKind.None():           "",
	EErrorKind.Transient():      "transient",
	EErrorKind.RateLimited():    "rate_limited",
	EErrorKind.StaleReference(): "stale_reference",
	EErrorKind.Permanent():      "permanent",
	EErrorKind.Fatal():          "fatal",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

func (k *ErrorKind) Parse(s string) error {
	for val, name := range errorKindNames {
		if strings.EqualFold(name, s) {
			*k = val
			return nil
		}
	}
	return fmt.Errorf("invalid error kind %q", s)
}

func (k ErrorKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *ErrorKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return k.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// FloodWaitError carries the server-mandated cooldown. It does not consume a
// retry attempt.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %s", e.Wait)
}

// ReferenceExpiredError signals that the access reference aged out and must
// be refreshed from the owning message.
type ReferenceExpiredError struct {
	Code string
}

func (e *ReferenceExpiredError) Error() string {
	return fmt.Sprintf("file reference expired (%s)", e.Code)
}

// PermanentError is unrecoverable for this item but not for the job.
type PermanentError struct {
	Code string
	Msg  string
}

func (e *PermanentError) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// FatalError means the session itself is unusable; the job fails.
type FatalError struct {
	Code string
	Msg  string
}

func (e *FatalError) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// ErrJobBusy is returned by the controller's re-entrancy guard when a second
// control call races an in-flight one on the same job.
var ErrJobBusy = errors.New("job busy")

// ErrJobNotFound is returned by the engine registry.
var ErrJobNotFound = errors.New("job not found")

// ErrItemNotFound is returned by queue lookups keyed by item id.
var ErrItemNotFound = errors.New("download item not found")

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// ClassifyTransferError maps an error from the client session onto its
// recovery policy. Unknown errors default to Transient so a blip never
// permanently fails an item.
func ClassifyTransferError(err error) ErrorKind {
	if err == nil {
		return EErrorKind.None()
	}
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return EErrorKind.RateLimited()
	}
	var ref *ReferenceExpiredError
	if errors.As(err, &ref) {
		return EErrorKind.StaleReference()
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return EErrorKind.Permanent()
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return EErrorKind.Fatal()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return EErrorKind.Transient()
	}
	return EErrorKind.Transient()
}
