// Package dataset turns fetched workflow runs into tabular datasets: it
// resolves repository URLs, projects records onto a fixed set of columns
// and writes CSV or XLSX files.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
)

// ErrInvalidRepoURL is returned for URLs that do not name an owner and repository.
var ErrInvalidRepoURL = errors.New("invalid repository url")

// ParseRepoURL extracts owner and repository from a URL such as
// https://github.com/owner/repo or https://github.com/owner/repo.git.
func ParseRepoURL(raw string) (owner, repo string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("%w %q: %v", ErrInvalidRepoURL, raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("%w %q: scheme and host are required", ErrInvalidRepoURL, raw)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w %q: expected /owner/repo", ErrInvalidRepoURL, raw)
	}

	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// RunsEndpoint returns the workflow runs endpoint relative to the API base URL.
func RunsEndpoint(owner, repo string) string {
	return fmt.Sprintf("repos/%s/%s/actions/runs", owner, repo)
}

// ReadRepoList reads repository URLs from the first column of a CSV file.
// A leading header row is skipped when its first cell is not a URL, and
// blank cells are ignored.
func ReadRepoList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open repo list: %w", err)
	}
	defer f.Close()

	return readRepoList(f)
}

func readRepoList(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var urls []string
	for line := 0; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read repo list: %w", err)
		}
		if len(record) == 0 {
			continue
		}

		cell := strings.TrimSpace(record[0])
		if cell == "" {
			continue
		}
		if line == 0 && !strings.Contains(cell, "://") {
			continue
		}
		urls = append(urls, cell)
	}
	return urls, nil
}
