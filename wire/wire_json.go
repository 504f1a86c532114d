package wire

import "github.com/goccy/go-json"

// DebugJSON renders r as JSON for human inspection: the CLI's `decode`
// subcommand and test failure messages use this instead of %+v so nested
// parameter slices print legibly.
func (r *Record) DebugJSON() (string, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
