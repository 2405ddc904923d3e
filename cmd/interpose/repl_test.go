package main

import (
	"os"
	"path/filepath"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/interpose/internal/config"
)

func TestIncomplete(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"1 + 2", false},
		{"x = 1", false},
		{"function f()", true},
		{"for i = 1, 3 do", true},
		{"local t = {", true},
		{"x = = 1", false},
	}
	for _, tt := range tests {
		if got := incomplete(tt.src); got != tt.want {
			t.Errorf("incomplete(%q) = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestFormatResults(t *testing.T) {
	got := formatResults([]lua.LValue{lua.LNumber(3), lua.LString("x"), lua.LNil, lua.LTrue})
	if want := "3\t\"x\"\tnil\ttrue"; got != want {
		t.Errorf("formatResults() = %q, want %q", got, want)
	}
}

func TestHistoryPath(t *testing.T) {
	if got := historyPath("/tmp/h"); got != "/tmp/h" {
		t.Errorf("historyPath() = %q", got)
	}
	t.Setenv("HOME", "/home/someone")
	if got := historyPath(""); got != filepath.Join("/home/someone", defaultHistoryFile) {
		t.Errorf("historyPath() = %q", got)
	}
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interpose.log")
	log, closeLog, err := newLogger(config.LogConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	log.Info("hello %s", "file")
	closeLog()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
}
