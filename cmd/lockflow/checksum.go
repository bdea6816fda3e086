package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
)

// httpGetter is satisfied by *http.Client.
type httpGetter interface {
	Get(url string) (*http.Response, error)
}

// fetchVerified streams url into a temporary file in dir, hashing as it
// writes, and keeps the file only if its SHA-256 matches wantSHA256. The
// caller removes the returned path.
func fetchVerified(client httpGetter, url, dir, wantSHA256 string) (string, error) {
	if wantSHA256 == "" {
		return "", errors.New("no pinned checksum")
	}

	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned %d", resp.StatusCode)
	}

	f, err := os.CreateTemp(dir, "download-*")
	if err != nil {
		return "", err
	}
	path := f.Name()
	discard := func(err error) (string, error) {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), resp.Body); err != nil {
		return discard(err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != wantSHA256 {
		return discard(fmt.Errorf("checksum mismatch (expected %s, got %s)", wantSHA256, got))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}
