package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestTokenCommand(t *testing.T) {
	t.Setenv("REZZY_HMAC_SECRET", "0123456789abcdef0123456789abcdef")

	var out bytes.Buffer
	tokenCmd.SetOut(&out)
	if err := runToken(tokenCmd, "user-42"); err != nil {
		t.Fatalf("runToken: %v", err)
	}

	token := strings.TrimSpace(out.String())
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 || parts[0] != "user-42" || parts[1] == "" {
		t.Errorf("token = %q, want <user-id>.<signature>", token)
	}
}

func TestTokenCommand_ShortSecret(t *testing.T) {
	t.Setenv("REZZY_HMAC_SECRET", "too-short")

	if err := runToken(tokenCmd, "user-42"); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	if !strings.Contains(out.String(), "Rezzy") {
		t.Errorf("version output = %q", out.String())
	}
}
