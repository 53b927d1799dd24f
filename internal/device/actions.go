package device

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/droidqueue/internal/pipeline"
)

// Packages lists the app package names tried, in order, on a device.
var Packages = []string{
	"com.zhiliaoapp.musically",
	"com.ss.android.ugc.trill",
	"com.ss.android.ugc.aweme",
}

const (
	remoteUploadDir = "/sdcard/Movies"
	swipeInterval   = 800 * time.Millisecond
	launchSettle    = 2 * time.Second
)

var reScreenSize = regexp.MustCompile(`(\d+)x(\d+)`)

// Actions drives one device over adb. Every method logs its own failures
// and reports them as a failed Result.
type Actions struct {
	adb    *ADB
	serial string
	logger *slog.Logger
	rand   func() float64

	pkg    string
	width  int
	height int
}

// NewActions creates Actions for serial.
func NewActions(adb *ADB, serial string) *Actions {
	return &Actions{
		adb:    adb,
		serial: serial,
		logger: slog.Default().With("device", serial),
		rand:   rand.Float64,
	}
}

func (a *Actions) shell(ctx context.Context, args ...string) error {
	_, err := a.adb.Shell(ctx, a.serial, args...)
	return err
}

// tap touches the screen at fractional coordinates.
func (a *Actions) tap(ctx context.Context, fx, fy float64) error {
	w, h := a.screen(ctx)
	return a.shell(ctx, "input", "tap", itoa(fx*float64(w)), itoa(fy*float64(h)))
}

func (a *Actions) swipeUp(ctx context.Context) error {
	w, h := a.screen(ctx)
	x := itoa(0.5 * float64(w))
	return a.shell(ctx, "input", "swipe", x, itoa(0.8*float64(h)), x, itoa(0.2*float64(h)), "200")
}

func itoa(f float64) string {
	return strconv.Itoa(int(f))
}

// screen returns the device resolution, falling back to 1080x2400.
func (a *Actions) screen(ctx context.Context) (int, int) {
	if a.width > 0 {
		return a.width, a.height
	}
	a.width, a.height = 1080, 2400
	out, err := a.adb.Shell(ctx, a.serial, "wm", "size")
	if err != nil {
		a.logger.Warn("reading screen size failed", "error", err)
		return a.width, a.height
	}
	if m := reScreenSize.FindStringSubmatch(out); m != nil {
		a.width, _ = strconv.Atoi(m[1])
		a.height, _ = strconv.Atoi(m[2])
	}
	return a.width, a.height
}

// app resolves the installed package, defaulting to the first candidate.
func (a *Actions) app(ctx context.Context) string {
	if a.pkg != "" {
		return a.pkg
	}
	a.pkg = Packages[0]
	out, err := a.adb.Shell(ctx, a.serial, "pm", "list", "packages")
	if err != nil {
		a.logger.Warn("listing packages failed", "error", err)
		return a.pkg
	}
	installed := map[string]bool{}
	for _, f := range strings.Fields(out) {
		installed[strings.TrimPrefix(f, "package:")] = true
	}
	for _, p := range Packages {
		if installed[p] {
			a.pkg = p
			break
		}
	}
	return a.pkg
}

func (a *Actions) wake(ctx context.Context) {
	if err := a.shell(ctx, "input", "keyevent", "KEYCODE_WAKEUP"); err != nil {
		a.logger.Warn("wake failed", "error", err)
	}
	if err := a.shell(ctx, "wm", "dismiss-keyguard"); err != nil {
		a.logger.Debug("dismiss keyguard failed", "error", err)
	}
}

func (a *Actions) launch(ctx context.Context) error {
	a.wake(ctx)
	if err := a.shell(ctx, "monkey", "-p", a.app(ctx), "-c", "android.intent.category.LAUNCHER", "1"); err != nil {
		return err
	}
	pipeline.Sleep(ctx, launchSettle, nil)
	return nil
}

// RunWarmup scrolls the feed for d, liking each item with probability p.
func (a *Actions) RunWarmup(ctx context.Context, d time.Duration, p float64, cont pipeline.Continue) pipeline.Result {
	a.logger.Info("warmup start", "duration", d, "like_prob", p)
	if err := a.launch(ctx); err != nil {
		a.logger.Error("launch failed", "error", err)
		return pipeline.Failed("launch failed")
	}

	deadline := time.Now().Add(d)
	swipes := 0
	for time.Now().Before(deadline) {
		if !pipeline.Sleep(ctx, swipeInterval, cont) {
			a.logger.Info("warmup interrupted", "swipes", swipes)
			return pipeline.Failed("interrupted")
		}
		if a.rand() < p {
			if err := a.tap(ctx, 0.90, 0.55); err != nil {
				a.logger.Warn("like failed", "error", err)
			}
		}
		if err := a.swipeUp(ctx); err != nil {
			a.logger.Warn("swipe failed", "error", err)
		}
		swipes++
	}
	a.logger.Info("warmup done", "swipes", swipes)
	return pipeline.Succeeded()
}

// PostVideo pushes the file to the device and hands it to the app through
// a share intent.
func (a *Actions) PostVideo(ctx context.Context, local, caption string, cont pipeline.Continue) pipeline.Result {
	a.logger.Info("posting video", "video", local, "caption_len", len(caption))
	if _, err := os.Stat(local); err != nil {
		a.logger.Error("video not found", "video", local, "error", err)
		return pipeline.Failed("video not found")
	}

	remote := path.Join(remoteUploadDir, "droidqueue_upload"+path.Ext(local))
	if err := a.adb.Push(ctx, a.serial, local, remote); err != nil {
		a.logger.Error("push failed", "error", err)
		return pipeline.Failed("push failed")
	}
	if err := a.shell(ctx, "am", "broadcast", "-a", "android.intent.action.MEDIA_SCANNER_SCAN_FILE", "-d", "file://"+remote); err != nil {
		a.logger.Warn("media scan failed", "error", err)
	}
	if cont != nil && !cont() {
		a.logger.Info("cancelled before upload flow")
		return pipeline.Failed("interrupted")
	}

	a.wake(ctx)
	args := []string{
		"am", "start", "-a", "android.intent.action.SEND",
		"-t", "video/*",
		"--eu", "android.intent.extra.STREAM", "file://" + remote,
		"-p", a.app(ctx),
	}
	if caption != "" {
		args = append(args, "--es", "android.intent.extra.TEXT", shellQuote(caption))
	}
	if err := a.shell(ctx, args...); err != nil {
		a.logger.Error("share intent failed", "error", err)
		return pipeline.Failed("share intent failed")
	}
	if !pipeline.Sleep(ctx, launchSettle, cont) {
		return pipeline.Failed("interrupted")
	}
	return pipeline.Succeeded()
}

// Wait blocks for d, checking cont at least once a second.
func (a *Actions) Wait(ctx context.Context, d time.Duration, cont pipeline.Continue) bool {
	a.logger.Info("break", "duration", d)
	return pipeline.Sleep(ctx, d, cont)
}

// RotateIdentity restarts the app. A soft rotation force-stops it; a hard
// one clears its data.
func (a *Actions) RotateIdentity(ctx context.Context, soft bool) pipeline.Result {
	pkg := a.app(ctx)
	args := []string{"pm", "clear", pkg}
	if soft {
		args = []string{"am", "force-stop", pkg}
	}
	a.logger.Info("rotating identity", "soft", soft, "package", pkg)
	if err := a.shell(ctx, args...); err != nil {
		a.logger.Error("rotate identity failed", "error", err)
		return pipeline.Failed(fmt.Sprintf("%s failed", args[1]))
	}
	if err := a.launch(ctx); err != nil {
		a.logger.Error("relaunch failed", "error", err)
		return pipeline.Failed("relaunch failed")
	}
	return pipeline.Succeeded()
}

// shellQuote quotes s for the device shell, which re-splits adb arguments.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ pipeline.Actions = (*Actions)(nil)
