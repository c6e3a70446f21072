package runbook

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// NewID generates a runbook definition ID.
func NewID() string {
	return uuid.New().String()
}

// ParseDocuments parses a multi-document YAML payload into definitions.
// Empty documents are ignored; definitions without an ID get a generated
// one, so export(import(doc)) reproduces doc modulo generated IDs.
func ParseDocuments(data []byte) ([]*Definition, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	defs := make([]*Definition, 0)
	seen := make(map[string]struct{})
	docNum := 0

	for {
		var d Definition
		err := decoder.Decode(&d)
		if errors.Is(err, io.EOF) {
			break
		}
		docNum++
		if err != nil {
			return nil, fmt.Errorf("invalid YAML in document %d: %w", docNum, err)
		}
		if isEmptyDocument(&d) {
			continue
		}

		applyDefaults(&d)
		if err := Validate(&d); err != nil {
			return nil, fmt.Errorf("invalid document %d: %w", docNum, err)
		}
		if d.ID == "" {
			d.ID = NewID()
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("duplicate runbook id in payload: %s", d.ID)
		}
		seen[d.ID] = struct{}{}
		defs = append(defs, &d)
	}

	if len(defs) == 0 {
		return nil, errors.New("no runbook definitions found in payload")
	}
	return defs, nil
}

// MarshalDocuments serializes definitions as a multi-document YAML export,
// sorted by name for a stable output.
func MarshalDocuments(defs []*Definition) ([]byte, error) {
	sorted := make([]*Definition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var out strings.Builder
	now := time.Now().UTC().Format(time.RFC3339)
	fmt.Fprintf(&out, "# runbook export\n# generated_at: %s\n# count: %d\n", now, len(sorted))
	for i, d := range sorted {
		if i > 0 {
			out.WriteString("\n---\n")
		}
		data, err := Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("marshal runbook %q: %w", d.Name, err)
		}
		out.Write(data)
		if len(data) == 0 || data[len(data)-1] != '\n' {
			out.WriteByte('\n')
		}
	}
	return []byte(out.String()), nil
}

func isEmptyDocument(d *Definition) bool {
	return d.ID == "" &&
		d.Name == "" &&
		d.Description == "" &&
		d.Schedule == "" &&
		!d.ApprovalRequired &&
		len(d.ApproverRoles) == 0 &&
		!d.AutoExecute &&
		d.MaxExecutionsPerHour == 0 &&
		d.CooldownMinutes == 0 &&
		d.CircuitBreakerThreshold == 0 &&
		len(d.BlackoutWindows) == 0 &&
		len(d.Steps) == 0 &&
		len(d.RollbackSteps) == 0
}
