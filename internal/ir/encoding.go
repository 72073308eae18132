package ir

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DecodeModule reads a YAML-serialized module.
func DecodeModule(r io.Reader) (*Module, error) {
	var m Module
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding module: %w", err)
	}
	if err := validate(&m); err != nil {
		return nil, err
	}
	m.reindex()
	return &m, nil
}

// EncodeModule writes the module as YAML.
func EncodeModule(w io.Writer, m *Module) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("encoding module: %w", err)
	}
	return enc.Close()
}

// LoadModuleFile reads a module from a YAML file on disk.
func LoadModuleFile(path string) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening module file: %w", err)
	}
	defer f.Close()
	return DecodeModule(f)
}

// WriteModuleFile writes a module to a YAML file on disk.
func WriteModuleFile(path string, m *Module) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating module file: %w", err)
	}
	if err := EncodeModule(f, m); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// validate rejects modules whose block references cannot be resolved.
// Anything else irregular is tolerated; the engine degrades rather than
// refuses.
func validate(m *Module) error {
	for _, fn := range m.Functions {
		names := make(map[string]bool, len(fn.Blocks))
		for _, b := range fn.Blocks {
			if names[b.Name] {
				return fmt.Errorf("function %s: duplicate block %q", fn.Name, b.Name)
			}
			names[b.Name] = true
		}
		for _, b := range fn.Blocks {
			for _, succ := range b.Succs {
				if !names[succ] {
					return fmt.Errorf("function %s: block %s references unknown successor %q", fn.Name, b.Name, succ)
				}
			}
		}
	}
	return nil
}
