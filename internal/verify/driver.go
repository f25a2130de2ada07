package verify

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Driver is the page surface the script needs. Every call blocks until the
// underlying condition holds or its timeout elapses.
type Driver interface {
	Goto(url string) error
	ClickRole(role, name string) error
	FillPlaceholder(placeholder, value string) error
	ExpectVisible(selector string) error
	ExpectHidden(selector string) error
	Screenshot(path string) error
}

// Timeouts are the explicit waits applied to a page.
type Timeouts struct {
	Navigation time.Duration
	Action     time.Duration
	Assert     time.Duration
}

// PageDriver drives a single Playwright page. Locators are built fresh on
// every call so each action re-resolves against the current DOM.
type PageDriver struct {
	page       playwright.Page
	assertions playwright.PlaywrightAssertions
	timeouts   Timeouts
}

// NewPageDriver configures page timeouts and returns a driver for it.
func NewPageDriver(page playwright.Page, timeouts Timeouts) *PageDriver {
	page.SetDefaultTimeout(toMS(timeouts.Action))
	page.SetDefaultNavigationTimeout(toMS(timeouts.Navigation))
	return &PageDriver{
		page:       page,
		assertions: playwright.NewPlaywrightAssertions(toMS(timeouts.Assert)),
		timeouts:   timeouts,
	}
}

func (d *PageDriver) Goto(url string) error {
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(toMS(d.timeouts.Navigation)),
	})
	return err
}

func (d *PageDriver) ClickRole(role, name string) error {
	return d.page.GetByRole(playwright.AriaRole(role), playwright.PageGetByRoleOptions{
		Name: name,
	}).Click()
}

func (d *PageDriver) FillPlaceholder(placeholder, value string) error {
	return d.page.GetByPlaceholder(placeholder).Fill(value)
}

func (d *PageDriver) ExpectVisible(selector string) error {
	return d.assertions.Locator(d.page.Locator(selector)).ToBeVisible()
}

func (d *PageDriver) ExpectHidden(selector string) error {
	return d.assertions.Locator(d.page.Locator(selector)).ToBeHidden()
}

// Screenshot writes a full-page capture to path, creating parent directories
// and replacing any existing file.
func (d *PageDriver) Screenshot(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create screenshot directory: %w", err)
		}
	}
	_, err := d.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
	})
	return err
}

func toMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// describeDriverError turns a driver failure into a short reason for the report.
func describeDriverError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "strict mode violation"):
		return "ambiguous element"
	case errors.Is(err, playwright.ErrTimeout):
		return "timed out"
	case errors.Is(err, playwright.ErrTargetClosed):
		return "page closed"
	default:
		return "failed"
	}
}
