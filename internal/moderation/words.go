package moderation

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadWords reads a sensitive-word list from path, one word per line.
// Blank lines and lines starting with '#' are skipped. An empty path is
// not an error and yields an empty list (local filtering disabled).
func LoadWords(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("moderation: open word list: %w", err)
	}
	defer f.Close()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("moderation: read word list: %w", err)
	}
	return words, nil
}
