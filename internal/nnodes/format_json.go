package nnodes

import "encoding/json"
import "os"

// loadJSON/dumpJSON back Directory's ".json" format. Kept on the standard
// library: the payloads here are generic map[string]any graphs, and no
// library in the dependency set offers anything beyond what
// encoding/json already does for that shape — see DESIGN.md.
func loadJSON(path string) (any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func dumpJSON(v any, path string) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	return f.Sync()
}
