package cluster

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ReadLines reads path and returns its non-empty, trimmed lines. It is the
// loader for the line-oriented conf/server/*.txt files: one external
// client-proxy address per line, one peer IP per line, or a single
// seed IP.
//
// ReadLines itself only returns the error. cmd/node exits when
// start_servers.txt, seed_server.txt or ebs_root.txt cannot be read; a
// missing client_address.txt is logged and treated as an empty list, so
// not every config file is fatal-on-missing.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cluster: read config %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cluster: read config %s: %w", path, err)
	}
	return lines, nil
}

// ReadSingleLine reads path and returns its first non-empty line, for
// single-value config files such as conf/server/seed_server.txt.
func ReadSingleLine(path string) (string, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("cluster: config %s is empty", path)
	}
	return lines[0], nil
}

// EbsRoot reads conf/server/ebs_root.txt and returns the filesystem path
// prefix for value storage, adding a trailing slash if one is missing.
func EbsRoot(path string) (string, error) {
	root, err := ReadSingleLine(path)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return root, nil
}
