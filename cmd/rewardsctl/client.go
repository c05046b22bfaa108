package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type apiClient struct {
	opts   *options
	http   *http.Client
	secret *secretSource
}

func newClient(opts *options) *apiClient {
	return &apiClient{
		opts:   opts,
		http:   &http.Client{Timeout: opts.Timeout},
		secret: newSecretSource(opts.SecretEnv),
	}
}

func (c *apiClient) bearer(scope string) (string, error) {
	if token := strings.TrimSpace(c.opts.Token); token != "" {
		return token, nil
	}
	if !c.opts.Mint {
		return "", nil
	}
	secret, err := c.secret.Get()
	if err != nil {
		return "", err
	}
	return mintToken(secret, tokenClaims{
		Subject:  c.opts.Subject,
		Issuer:   c.opts.Issuer,
		Audience: c.opts.Audience,
		Scopes:   []string{scope},
		TTL:      defaultTokenTTL,
	})
}

// do sends the request and writes the indented response body to out. Non-2xx
// responses are still written before the error is returned.
func (c *apiClient) do(ctx context.Context, out io.Writer, method, path, scope string, body any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	url := strings.TrimRight(c.opts.Server, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.bearer(scope)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		fmt.Fprintln(out, strings.TrimRight(string(raw), "\n"))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: server returned %s", method, path, resp.Status)
	}
	return nil
}
