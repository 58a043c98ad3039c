package main

import (
	"bytes"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootHelpListsSubcommands(t *testing.T) {
	out, err := runCLI(t, "--help")
	if err != nil {
		t.Fatalf("--help failed: %v", err)
	}
	for _, want := range []string{"serve", "chat", "version"} {
		if !strings.Contains(out, want) {
			t.Errorf("help output missing %q:\n%s", want, out)
		}
	}
}

func TestRootWithoutSubcommandFails(t *testing.T) {
	if _, err := runCLI(t); err == nil {
		t.Fatal("expected an error when no subcommand is given")
	}
}

func TestChatRequiresUser(t *testing.T) {
	_, err := runCLI(t, "chat")
	if err == nil || !strings.Contains(err.Error(), "--user") {
		t.Fatalf("expected a --user error, got %v", err)
	}
}
