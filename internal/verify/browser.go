package verify

import (
	"fmt"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/chatverify/internal/obs"
)

// BrowserOptions select and configure the browser engine.
type BrowserOptions struct {
	Engine   string // chromium, firefox or webkit
	Headless bool
	Install  bool // download the driver and engine first
}

// Browser owns a Playwright driver process and one launched browser.
type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
}

// LaunchBrowser starts Playwright and launches the requested engine.
func LaunchBrowser(opts BrowserOptions) (*Browser, error) {
	engine := opts.Engine
	if engine == "" {
		engine = "chromium"
	}
	log := obs.Pkg("verify")

	if opts.Install {
		log.Info("playwright_install", "browser", engine)
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{engine}}); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	var bt playwright.BrowserType
	switch engine {
	case "chromium":
		bt = pw.Chromium
	case "firefox":
		bt = pw.Firefox
	case "webkit":
		bt = pw.WebKit
	default:
		_ = pw.Stop()
		return nil, fmt.Errorf("unsupported browser %q", engine)
	}

	browser, err := bt.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch %s: %w", engine, err)
	}
	log.Debug("browser_launched", "browser", engine, "version", browser.Version())
	return &Browser{pw: pw, browser: browser}, nil
}

// NewPage opens a fresh context and page. Closing the page's context is the
// caller's job; Close on the Browser tears down everything regardless.
func (b *Browser) NewPage() (playwright.Page, error) {
	ctx, err := b.browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1280, Height: 800},
	})
	if err != nil {
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	page, err := ctx.NewPage()
	if err != nil {
		_ = ctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	return page, nil
}

// Close shuts down the browser and the driver process.
func (b *Browser) Close() error {
	var firstErr error
	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			firstErr = err
		}
	}
	if b.pw != nil {
		if err := b.pw.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
