package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadTickerList reads the scanned symbol list, one symbol per line.
// Blank lines and lines starting with '#' are ignored; symbols are
// upper-cased and de-duplicated preserving first occurrence.
func LoadTickerList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ticker list: %w", err)
	}
	defer f.Close()

	seen := make(map[string]struct{})
	var symbols []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sym := strings.ToUpper(line)
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		symbols = append(symbols, sym)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ticker list: %w", err)
	}

	return symbols, nil
}
