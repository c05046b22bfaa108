package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// secretSource resolves the shared HMAC secret from an environment variable or
// by prompting on the terminal. The value is cached after the first read.
type secretSource struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

func newSecretSource(envVar string) *secretSource {
	return &secretSource{envVar: strings.TrimSpace(envVar)}
}

func (s *secretSource) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = strings.TrimSpace(value)
				return
			}
		}
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("token secret required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("token secret required and no terminal available")
			}
			return
		}
		fmt.Fprint(os.Stderr, "Enter rewardsd token secret: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("read secret: %w", err)
			return
		}
		if strings.TrimSpace(string(raw)) == "" {
			s.err = errors.New("token secret cannot be empty")
			return
		}
		s.value = strings.TrimSpace(string(raw))
	})
	return s.value, s.err
}
