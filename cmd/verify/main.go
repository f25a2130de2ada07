// Command verify drives a browser through the chat UI and checks that the
// token counter and the session token total appear after a message is sent.
// A full-page screenshot is saved as evidence.
//
// Exit status is 0 on success, 1 when the check fails and 2 for bad
// configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/kuitang/chatverify/internal/chatfixture"
	"github.com/kuitang/chatverify/internal/config"
	"github.com/kuitang/chatverify/internal/errs"
	"github.com/kuitang/chatverify/internal/obs"
	"github.com/kuitang/chatverify/internal/s3client"
	"github.com/kuitang/chatverify/internal/verify"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout io.Writer) int {
	flags, err := config.ParseFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		return errs.ExitCode(errs.Wrap(errs.ConfigurationError, "invalid flags", err))
	}

	cfg, err := config.LoadConfig(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return errs.ExitCode(errs.Wrap(errs.ConfigurationError, "invalid configuration", err))
	}

	obs.Init()
	log := obs.Pkg("main")

	if cfg.UseFixture {
		baseURL, shutdown, err := startFixture(ctx)
		if err != nil {
			log.Error("fixture_start_failed", "error", err)
			return 1
		}
		defer shutdown()
		cfg.BaseURL = baseURL
	}
	cfg.PrintStartupSummary(stdout)

	browser, err := verify.LaunchBrowser(verify.BrowserOptions{
		Engine:   cfg.Browser,
		Headless: cfg.Headless,
		Install:  cfg.InstallBrowsers,
	})
	if err != nil {
		log.Error("browser_launch_failed", "error", err)
		return errs.ExitCode(errs.Wrap(errs.Unavailable, "browser unavailable", err))
	}
	defer func() {
		if err := browser.Close(); err != nil {
			log.Warn("browser_close_failed", "error", err)
		}
	}()

	page, err := browser.NewPage()
	if err != nil {
		log.Error("new_page_failed", "error", err)
		return 1
	}

	driver := verify.NewPageDriver(page, verify.Timeouts{
		Navigation: cfg.NavigationTimeout,
		Action:     cfg.ActionTimeout,
		Assert:     cfg.AssertTimeout,
	})
	script := verify.New(driver, verify.Options{
		BaseURL:        cfg.BaseURL,
		Message:        cfg.Message,
		ScreenshotPath: cfg.ScreenshotPath,
	})

	res, runErr := script.Run(ctx)

	if runErr == nil && cfg.Artifact.Enabled() {
		client, err := s3client.New(ctx, s3client.Config{
			Endpoint:        cfg.Artifact.Endpoint,
			Region:          cfg.Artifact.Region,
			AccessKeyID:     cfg.Artifact.AccessKeyID,
			SecretAccessKey: cfg.Artifact.SecretAccessKey,
			BucketName:      cfg.Artifact.Bucket,
			PublicURL:       cfg.Artifact.PublicURL,
			UsePathStyle:    cfg.Artifact.UsePathStyle,
		})
		if err != nil {
			err = errs.Wrap(errs.ArtifactFailed, "artifact client unavailable", err)
			res.ArtifactError = err.Error()
			log.Warn("artifact_client_failed", "code", string(errs.CodeOf(err)), "error", err)
		} else {
			_ = uploadArtifact(ctx, client, cfg.Artifact.Prefix, res)
		}
	}

	if cfg.ReportPath != "" {
		if err := res.WriteJSON(cfg.ReportPath); err != nil {
			log.Warn("report_write_failed", "path", cfg.ReportPath, "error", err)
		}
	}

	if runErr != nil {
		fmt.Fprintf(stdout, "FAIL %s\n", runErr)
		return errs.ExitCode(runErr)
	}
	fmt.Fprintf(stdout, "PASS screenshot written to %s\n", res.ScreenshotPath)
	if res.ArtifactURL != "" {
		fmt.Fprintf(stdout, "     uploaded to %s\n", res.ArtifactURL)
	}
	return 0
}

type artifactUploader interface {
	UploadFile(ctx context.Context, prefix, name, localPath string) (string, error)
}

// uploadArtifact copies the screenshot to <prefix>/<run id>/. A failed upload
// is recorded on the result and returned as an errs.ArtifactFailed error; the
// caller does not let it change the run's outcome.
func uploadArtifact(ctx context.Context, up artifactUploader, prefix string, res *verify.Result) error {
	log := obs.From(obs.WithRunID(ctx, res.RunID)).With("pkg", "main")
	url, err := up.UploadFile(ctx, path.Join(prefix, res.RunID), filepath.Base(res.ScreenshotPath), res.ScreenshotPath)
	if err != nil {
		err = errs.Wrap(errs.ArtifactFailed, "screenshot upload failed", err)
		res.ArtifactError = err.Error()
		log.Warn("artifact_upload_failed", "code", string(errs.CodeOf(err)), "error", err)
		return err
	}
	res.ArtifactURL = url
	log.Info("artifact_uploaded", "url", url)
	return nil
}

// startFixture serves the chat fixture on a loopback port and returns its URL.
func startFixture(ctx context.Context) (string, func(), error) {
	fcfg, err := config.LoadFixtureConfig("127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	store, err := chatfixture.OpenStore(fcfg.DatabasePath)
	if err != nil {
		return "", nil, err
	}
	srv := chatfixture.NewServer(store, chatfixture.Options{
		ChunkDelay: fcfg.ChunkDelay,
		RateLimit:  fcfg.RateLimit,
	})

	ln, err := net.Listen("tcp", fcfg.ListenAddr)
	if err != nil {
		srv.Close()
		store.Close()
		return "", nil, fmt.Errorf("listen: %w", err)
	}
	httpSrv := &http.Server{Handler: srv.Handler()}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Pkg("main").Error("fixture_serve_failed", "error", err)
		}
	}()
	obs.From(ctx).Info("fixture_started", "pkg", "main", "addr", ln.Addr().String())

	shutdown := func() {
		_ = httpSrv.Close()
		srv.Close()
		store.Close()
	}
	return "http://" + ln.Addr().String(), shutdown, nil
}
