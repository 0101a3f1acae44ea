package secret

import (
	"bytes"
	"strings"
	"testing"
)

func newTestSource(env map[string]string, terminal bool, input string) (*Source, *bytes.Buffer) {
	prompt := &bytes.Buffer{}
	reads := 0
	s := &Source{
		envVar: "STAKE_TEST_SECRET",
		label:  "api token",
		lookup: func(key string) (string, bool) {
			v, ok := env[key]
			return v, ok
		},
		isTerminal: func() bool { return terminal },
		read: func() ([]byte, error) {
			reads++
			if reads > 1 {
				return []byte("second"), nil
			}
			return []byte(input), nil
		},
		prompt: prompt,
	}
	return s, prompt
}

func TestSourcePrefersEnvironment(t *testing.T) {
	s, prompt := newTestSource(map[string]string{"STAKE_TEST_SECRET": "from-env"}, true, "typed")
	got, err := s.Get()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-env" {
		t.Fatalf("unexpected secret %q", got)
	}
	if prompt.Len() != 0 {
		t.Fatalf("prompt should not be shown when env is set")
	}
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	s, _ := newTestSource(map[string]string{"STAKE_TEST_SECRET": "  "}, true, "typed")
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "set but empty") {
		t.Fatalf("expected empty env error, got %v", err)
	}
}

func TestSourcePromptsAndCaches(t *testing.T) {
	s, prompt := newTestSource(nil, true, " typed \n")
	first, err := s.Get()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := s.Get()
	if first != "typed" || second != "typed" {
		t.Fatalf("expected cached value, got %q then %q", first, second)
	}
	if !strings.Contains(prompt.String(), "Enter api token: ") {
		t.Fatalf("unexpected prompt %q", prompt.String())
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	s, _ := newTestSource(nil, false, "")
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "STAKE_TEST_SECRET") {
		t.Fatalf("expected hint to set env var, got %v", err)
	}
}
