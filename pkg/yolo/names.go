package yolo

import (
	"regexp"
	"strconv"
)

var nameEntry = regexp.MustCompile(`(\d+)\s*:\s*(?:'([^']*)'|"([^"]*)")`)

// ParseNames reads the class names stored in the "names" metadata of an exported model,
// e.g. `{0: 'person', 1: 'bicycle'}`. It returns numClasses entries: missing indexes are left
// empty and ids outside [0, numClasses) are ignored.
func ParseNames(raw string, numClasses int) []string {
	if numClasses < 0 {
		numClasses = 0
	}
	names := make([]string, numClasses)
	for _, m := range nameEntry.FindAllStringSubmatch(raw, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil || id >= numClasses {
			continue
		}
		name := m[2]
		if name == "" {
			name = m[3]
		}
		names[id] = name
	}
	return names
}
