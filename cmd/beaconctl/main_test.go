package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/danmuck/beaconctl/internal/logic"
	"github.com/danmuck/beaconctl/internal/testutil/testlog"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "beaconctl.toml")
	body := `database = "` + filepath.ToSlash(filepath.Join(dir, "state.db")) + `"
log_level = "debug"

[deployment]
beacon_owner = "admin.a"

[[deployment.proxies]]
value = 100
owner = "owner.a"

[[deployment.proxies]]
value = 200
owner = "owner.b"

[[deployment.proxies]]
value = 300
owner = "owner.c"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runOK(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("run %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

var proxyLine = regexp.MustCompile(`proxy\[(\d)\] (\S+)`)

func TestDeployUpgradeInvokeAcrossRuns(t *testing.T) {
	testlog.Start(t)
	t.Setenv(envToken, "")
	cfg := writeConfig(t)

	deployed := runOK(t, "deploy", "-config", cfg)
	matches := proxyLine.FindAllStringSubmatch(deployed, -1)
	if len(matches) != 3 {
		t.Fatalf("expected 3 proxies in output:\n%s", deployed)
	}
	first := matches[0][2]

	upgraded := runOK(t, "upgrade", "-config", cfg, "-caller", "admin.a", "-all")
	if !strings.Contains(upgraded, "migrated=3") {
		t.Fatalf("expected 3 migrations:\n%s", upgraded)
	}

	runOK(t, "invoke", "-config", cfg, "-proxy", first, "-op", "increment", "-caller", "owner.a")
	got := strings.TrimSpace(runOK(t, "invoke", "-config", cfg, "-proxy", first, "-op", "getValueFromHistory", "-arg", "index=1"))
	if got != "101" {
		t.Fatalf("expected history[1]=101, got %q", got)
	}

	shown := runOK(t, "show", "-config", cfg, "-proxy", first)
	if !strings.Contains(shown, "state=migrated") || !strings.Contains(shown, "value=101") {
		t.Fatalf("unexpected show output: %s", shown)
	}

	retried := runOK(t, "migrate", "-config", cfg, "-caller", "admin.a", "-all")
	if !strings.Contains(retried, "already_migrated=3") {
		t.Fatalf("expected retry to report already migrated:\n%s", retried)
	}
}

func TestInvokeSurfacesLogicErrors(t *testing.T) {
	testlog.Start(t)
	t.Setenv(envToken, "")
	cfg := writeConfig(t)
	deployed := runOK(t, "deploy", "-config", cfg)
	first := proxyLine.FindStringSubmatch(deployed)[2]

	var out bytes.Buffer
	err := run(context.Background(), []string{"invoke", "-config", cfg, "-proxy", first, "-op", "setValue", "-caller", "user.u", "-arg", "value=1"}, &out)
	if !errors.Is(err, logic.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	err = run(context.Background(), []string{"upgrade", "-config", cfg, "-caller", "user.u", "-all"}, &out)
	if !errors.Is(err, logic.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on upgrade, got %v", err)
	}
}

func TestOwnerCommandHandsOverUpgradeAuthority(t *testing.T) {
	testlog.Start(t)
	t.Setenv(envToken, "")
	cfg := writeConfig(t)
	runOK(t, "deploy", "-config", cfg)

	var out bytes.Buffer
	err := run(context.Background(), []string{"owner", "-config", cfg, "-caller", "user.u", "-owner", "user.u"}, &out)
	if !errors.Is(err, logic.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	err = run(context.Background(), []string{"owner", "-config", cfg, "-caller", "admin.a", "-owner", "admin@b"}, &out)
	if err == nil {
		t.Fatalf("expected malformed owner to be rejected")
	}

	transferred := runOK(t, "owner", "-config", cfg, "-caller", "admin.a", "-owner", "Admin.B")
	if !strings.Contains(transferred, "owner=Admin.B") {
		t.Fatalf("unexpected owner output: %s", transferred)
	}
	shown := runOK(t, "show", "-config", cfg)
	if !strings.Contains(shown, "owner=Admin.B") {
		t.Fatalf("new owner not persisted: %s", shown)
	}

	err = run(context.Background(), []string{"upgrade", "-config", cfg, "-caller", "admin.a", "-all"}, &out)
	if !errors.Is(err, logic.ErrUnauthorized) {
		t.Fatalf("previous owner upgrade: expected ErrUnauthorized, got %v", err)
	}
	upgraded := runOK(t, "upgrade", "-config", cfg, "-caller", "Admin.B", "-all")
	if !strings.Contains(upgraded, "migrated=3") {
		t.Fatalf("expected 3 migrations:\n%s", upgraded)
	}
}

func TestConfigCommandWritesAndValidates(t *testing.T) {
	testlog.Start(t)
	t.Setenv(envToken, "")
	path := filepath.Join(t.TempDir(), "beaconctl.toml")
	runOK(t, "config", "-config", path)
	out := runOK(t, "config", "-config", path, "-validate")
	if !strings.Contains(out, "validated") {
		t.Fatalf("unexpected output: %s", out)
	}
	var buf bytes.Buffer
	if err := run(context.Background(), []string{"config", "-config", path}, &buf); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"launch"}, &out); err == nil {
		t.Fatalf("expected unknown command error")
	}
	if err := run(context.Background(), nil, &out); err == nil {
		t.Fatalf("expected missing command error")
	}
}
