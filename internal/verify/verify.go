// Package verify runs the token counter acceptance check against a chat UI.
//
// The check is a fixed sequence: open the app, start a new chat, type a
// message, send it, wait for the per-message token counter and the session
// token total to become visible, then save a full-page screenshot. The first
// failing step aborts the run and nothing after it executes.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/chatverify/internal/errs"
	"github.com/kuitang/chatverify/internal/logutil"
	"github.com/kuitang/chatverify/internal/obs"
	"github.com/kuitang/chatverify/internal/urlutil"
)

// UI contract consumed from the application under test.
const (
	ButtonRole                = "button"
	NewChatButtonName         = "New Chat"
	MessagePlaceholder        = "Type your message..."
	SendButtonName            = "Send"
	TokenCounterSelector      = "#token-counter"
	SessionTokenTotalSelector = "#session-token-total"
)

// Step names, in execution order.
const (
	StepNavigate       = "navigate"
	StepNewChat        = "new_chat"
	StepFillMessage    = "fill_message"
	StepSend           = "send"
	StepExpectCounters = "expect_counters"
	StepScreenshot     = "screenshot"
)

// Options configure one run.
type Options struct {
	BaseURL        string
	Path           string // appended to BaseURL; empty means the root
	Message        string
	ScreenshotPath string

	// ProbeCountersBeforeSend asserts both counters are hidden immediately
	// before Send is clicked.
	ProbeCountersBeforeSend bool

	// RunID labels logs and the report. Generated when empty.
	RunID string
}

// StepError reports which step aborted a run.
type StepError struct {
	Index int
	Name  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type step struct {
	name string
	code errs.Code
	run  func() error
}

// Script is a single verification run bound to one driver.
type Script struct {
	driver Driver
	opts   Options
	now    func() time.Time
}

// New returns a script that will drive d with opts.
func New(d Driver, opts Options) *Script {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &Script{driver: d, opts: opts, now: time.Now}
}

// RunID returns the identifier attached to this run's logs and report.
func (s *Script) RunID() string {
	return s.opts.RunID
}

func (s *Script) steps() []step {
	return []step{
		{StepNavigate, errs.NavigationFailed, func() error {
			return s.driver.Goto(urlutil.BuildAbsolute(s.opts.BaseURL, s.opts.Path))
		}},
		{StepNewChat, errs.LocatorFailed, func() error {
			return s.driver.ClickRole(ButtonRole, NewChatButtonName)
		}},
		{StepFillMessage, errs.LocatorFailed, func() error {
			return s.driver.FillPlaceholder(MessagePlaceholder, s.opts.Message)
		}},
		{StepSend, errs.LocatorFailed, s.send},
		{StepExpectCounters, errs.AssertionTimeout, func() error {
			if err := s.driver.ExpectVisible(TokenCounterSelector); err != nil {
				return fmt.Errorf("%s not visible: %w", TokenCounterSelector, err)
			}
			if err := s.driver.ExpectVisible(SessionTokenTotalSelector); err != nil {
				return fmt.Errorf("%s not visible: %w", SessionTokenTotalSelector, err)
			}
			return nil
		}},
		{StepScreenshot, errs.ScreenshotFailed, func() error {
			return s.driver.Screenshot(s.opts.ScreenshotPath)
		}},
	}
}

func (s *Script) send() error {
	if s.opts.ProbeCountersBeforeSend {
		for _, sel := range []string{TokenCounterSelector, SessionTokenTotalSelector} {
			if err := s.driver.ExpectHidden(sel); err != nil {
				return errs.Wrap(errs.AssertionTimeout, sel+" visible before send", err)
			}
		}
	}
	return s.driver.ClickRole(ButtonRole, SendButtonName)
}

// Run executes every step in order and stops at the first failure. The
// returned Result is always non-nil; err is a *StepError wrapping a coded
// errs.Error when the run aborts.
func (s *Script) Run(ctx context.Context) (*Result, error) {
	ctx = obs.WithRunID(ctx, s.opts.RunID)
	log := obs.From(ctx).With("pkg", "verify")

	res := &Result{
		RunID:          s.opts.RunID,
		BaseURL:        logutil.RedactURLForLog(s.opts.BaseURL),
		StartedAt:      s.now().UTC(),
		State:          StateNotNavigated,
		ScreenshotPath: s.opts.ScreenshotPath,
	}
	log.Info("verification_start",
		"base_url", res.BaseURL,
		"message", logutil.TruncateForLog(s.opts.Message, 64),
	)

	for i, st := range s.steps() {
		index := i + 1
		if err := ctx.Err(); err != nil {
			return s.abort(ctx, res, index, st.name, errs.Wrap(errs.Unavailable, "run cancelled", err))
		}

		stepLog := obs.From(obs.WithStep(ctx, st.name)).With("pkg", "verify")
		stepLog.Debug("step_start", "index", index)

		start := s.now()
		err := st.run()
		elapsed := s.now().Sub(start)

		if err != nil {
			coded := err
			if errs.CodeOf(err) == errs.Internal {
				coded = errs.Wrap(st.code, st.name+" "+describeDriverError(err), err)
			}
			res.Steps = append(res.Steps, StepResult{
				Index:      index,
				Name:       st.name,
				DurationMS: durationMS(elapsed),
				Code:       errs.CodeOf(coded),
				Error:      coded.Error(),
			})
			return s.abort(ctx, res, index, st.name, coded)
		}

		res.Steps = append(res.Steps, StepResult{
			Index:      index,
			Name:       st.name,
			DurationMS: durationMS(elapsed),
		})
		stepLog.Info("step_ok", "index", index, "dur_ms", durationMS(elapsed))
		if st.name == StepNavigate {
			res.State = StateNavigated
		}
	}

	res.State = StateScreenshotWritten
	res.FinishedAt = s.now().UTC()
	log.Info("verification_passed", "screenshot", s.opts.ScreenshotPath)
	return res, nil
}

func (s *Script) abort(ctx context.Context, res *Result, index int, name string, err error) (*Result, error) {
	res.State = StateAborted
	res.FailedStep = index
	res.FinishedAt = s.now().UTC()
	stepErr := &StepError{Index: index, Name: name, Err: err}
	obs.From(obs.WithStep(ctx, name)).Error("verification_failed",
		"pkg", "verify",
		"index", index,
		"code", string(errs.CodeOf(err)),
		"error", logutil.TruncateForLog(err.Error(), 500),
	)
	return res, stepErr
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
