package model

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// LoadLabels reads a label table. Accepted layouts: a JSON array of
// strings, a JSON object keyed by class index, or one "index:label" pair
// per line.
func LoadLabels(path string) (LabelTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	labels, err := ParseLabels(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse labels '%s': %w", path, err)
	}
	return labels, nil
}

func ParseLabels(raw []byte) (LabelTable, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("label table is empty")
	}

	switch trimmed[0] {
	case '[':
		var labels []string
		if err := json.Unmarshal(trimmed, &labels); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		return labels, nil
	case '{':
		var byIndex map[string]string
		if err := json.Unmarshal(trimmed, &byIndex); err == nil {
			return fromIndexMap(byIndex)
		}
		// not strict JSON, fall back to the line layout
	}

	labels, err := parseLines(trimmed)
	if err != nil {
		return nil, err
	}
	return labels, nil
}

func fromIndexMap(byIndex map[string]string) (LabelTable, error) {
	indexes := make([]int, 0, len(byIndex))
	labelsByIndex := make(map[int]string, len(byIndex))
	for k, v := range byIndex {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("label key '%s' is not an index: %w", k, err)
		}
		indexes = append(indexes, idx)
		labelsByIndex[idx] = v
	}
	sort.Ints(indexes)

	labels := make(LabelTable, len(indexes))
	for pos, idx := range indexes {
		if idx != pos {
			return nil, fmt.Errorf("label indexes are not contiguous: expected %d, got %d", pos, idx)
		}
		labels[pos] = labelsByIndex[idx]
	}
	return labels, nil
}

// parseLines handles the "index:label" layout; lines without exactly one
// separator are skipped.
func parseLines(raw []byte) (LabelTable, error) {
	var labels LabelTable
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimSuffix(line, ",")
		parts := strings.Split(line, ":")
		if len(parts) != 2 {
			continue
		}
		labels = append(labels, strings.Trim(parts[1], "\" "))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan labels: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("no 'index:label' lines found")
	}
	return labels, nil
}
