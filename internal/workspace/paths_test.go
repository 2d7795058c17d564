package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/simplechat/internal/config"
)

func TestProfilePaths(t *testing.T) {
	l := Layout{Base: "/base"}
	if got, want := l.ProfileDir("main"), filepath.Join("/base", "profiles", "main"); got != want {
		t.Errorf("ProfileDir(main) = %q, want %q", got, want)
	}
	if got := l.LockPath("test"); !strings.HasSuffix(got, filepath.Join("profiles", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix profiles/test/LOCK", got)
	}
	if got := l.LogPath("test"); !strings.HasSuffix(got, filepath.Join("profiles", "test", "logs", "chatctl.log")) {
		t.Errorf("LogPath(test) = %q", got)
	}
	if l.DBPath() != filepath.Join("/base", "backend.db") {
		t.Errorf("DBPath() = %q, want shared database under base", l.DBPath())
	}
}

func TestDefaultHonorsEnv(t *testing.T) {
	t.Setenv(EnvHome, "/tmp/elsewhere")
	if got := Default().Base; got != "/tmp/elsewhere" {
		t.Errorf("Default().Base = %q, want /tmp/elsewhere", got)
	}
}

func TestEnsureDir(t *testing.T) {
	l := Layout{Base: t.TempDir()}
	if err := l.EnsureDir("test"); err != nil {
		t.Fatal(err)
	}

	for _, dir := range []string{l.ProfileDir("test"), l.LogDir("test"), l.BlobDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("%s not created: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestResolvePrecedence(t *testing.T) {
	l := Layout{Base: t.TempDir()}
	t.Setenv(config.EnvProfile, "")

	if got := l.Resolve(""); got != DefaultProfileName {
		t.Errorf("Resolve() = %q, want %q", got, DefaultProfileName)
	}

	if err := config.SaveGlobal(l.GlobalConfigPath(), &config.Global{DefaultProfile: "work"}); err != nil {
		t.Fatal(err)
	}
	if got := l.Resolve(""); got != "work" {
		t.Errorf("Resolve() = %q, want work from config", got)
	}

	t.Setenv(config.EnvProfile, "env")
	if got := l.Resolve(""); got != "env" {
		t.Errorf("Resolve() = %q, want env", got)
	}
	if got := l.Resolve("flag"); got != "flag" {
		t.Errorf("Resolve(flag) = %q, want flag", got)
	}
}
