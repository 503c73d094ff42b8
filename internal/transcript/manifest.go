package transcript

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// Delimiter separates the manifest columns.
	Delimiter = "|"
	// FileName is the manifest inside a processed voice directory.
	FileName = "metadata.csv"

	manifestColumns = 3
)

// ErrMalformedLine indicates a manifest line without three columns.
var ErrMalformedLine = errors.New("malformed manifest line")

// Record is one manifest line: the chunk name without extension, the
// recognized text and its normalized form.
type Record struct {
	Name       string
	Text       string
	Normalized string
}

// Line renders the record as `name|text|normalized`. Delimiters and line
// breaks inside the text are replaced with spaces.
func (r Record) Line() string {
	return strings.Join([]string{r.Name, Clean(r.Text), Clean(r.Normalized)}, Delimiter)
}

// Write replaces the manifest at path atomically.
func Write(path string, records []Record) error {
	dir := filepath.Dir(path)

	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest in '%s': %w", dir, err)
	}

	defer os.Remove(tempFile.Name())

	writer := bufio.NewWriter(tempFile)

	for _, record := range records {
		_, err = writer.WriteString(record.Line() + "\n")
		if err != nil {
			_ = tempFile.Close()

			return fmt.Errorf("failed to write manifest record '%s': %w", record.Name, err)
		}
	}

	err = writer.Flush()
	if err != nil {
		_ = tempFile.Close()

		return fmt.Errorf("failed to flush manifest: %w", err)
	}

	err = tempFile.Close()
	if err != nil {
		return fmt.Errorf("failed to close temp manifest: %w", err)
	}

	err = os.Rename(tempFile.Name(), path)
	if err != nil {
		return fmt.Errorf("failed to install manifest '%s': %w", path, err)
	}

	return nil
}

// Read parses the manifest at path. Blank lines are ignored.
func Read(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest '%s': %w", path, err)
	}
	defer file.Close()

	var records []Record

	scanner := bufio.NewScanner(file)
	lineNumber := 0

	for scanner.Scan() {
		lineNumber++

		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		columns := strings.SplitN(line, Delimiter, manifestColumns)
		if len(columns) != manifestColumns {
			return nil, fmt.Errorf("%w: %s:%d", ErrMalformedLine, path, lineNumber)
		}

		records = append(records, Record{Name: columns[0], Text: columns[1], Normalized: columns[2]})
	}

	err = scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest '%s': %w", path, err)
	}

	return records, nil
}

// Clean replaces the column delimiter and collapses runs of whitespace.
func Clean(text string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(text, Delimiter, " ")), " ")
}
