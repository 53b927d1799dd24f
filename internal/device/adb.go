// Package device talks to Android devices through the adb binary.
package device

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// CommandFunc runs an external command and returns its combined output.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Device is one entry of the adb device list.
type Device struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
	Model  string `json:"model"`
}

// ADB wraps the adb binary.
type ADB struct {
	path string
	run  CommandFunc
}

// NewADB returns an ADB using the binary at path, or "adb" from PATH.
func NewADB(path string) *ADB {
	if path == "" {
		path = "adb"
	}
	return &ADB{path: path, run: execCommand}
}

// WithCommand replaces how commands are executed.
func (a *ADB) WithCommand(fn CommandFunc) *ADB {
	a.run = fn
	return a
}

// Shell runs an adb shell command on serial.
func (a *ADB) Shell(ctx context.Context, serial string, args ...string) (string, error) {
	full := append([]string{"-s", serial, "shell"}, args...)
	out, err := a.run(ctx, a.path, full...)
	if err != nil {
		return string(out), fmt.Errorf("adb shell %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Push copies a local file to the device.
func (a *ADB) Push(ctx context.Context, serial, local, remote string) error {
	out, err := a.run(ctx, a.path, "-s", serial, "push", local, remote)
	if err != nil {
		return fmt.Errorf("adb push %s: %w: %s", local, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Model returns the product model of serial, or "" if it cannot be read.
func (a *ADB) Model(ctx context.Context, serial string) string {
	out, err := a.Shell(ctx, serial, "getprop", "ro.product.model")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// Discover lists attached devices. Any failure yields an empty list.
func (a *ADB) Discover(ctx context.Context) []Device {
	out, err := a.run(ctx, a.path, "devices", "-l")
	if err != nil {
		slog.Warn("adb devices failed", "error", err)
		return []Device{}
	}
	devs := ParseDevices(string(out))
	for i := range devs {
		if devs[i].State != "device" {
			continue
		}
		if m := a.Model(ctx, devs[i].Serial); m != "" {
			devs[i].Model = m
		}
	}
	return devs
}

// ParseDevices parses the output of `adb devices -l`.
func ParseDevices(out string) []Device {
	devs := []Device{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		d := Device{Serial: fields[0], State: "unknown"}
		for _, f := range fields[1:] {
			switch f {
			case "device", "offline", "unauthorized", "recovery", "bootloader", "sideload":
				d.State = f
			}
			if m, ok := strings.CutPrefix(f, "model:"); ok {
				d.Model = m
			}
		}
		devs = append(devs, d)
	}
	return devs
}
