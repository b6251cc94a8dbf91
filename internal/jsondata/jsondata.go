// Package jsondata compiles and serves the JSON Schema catalog behind
// the read-only /schemas routes, and optionally validates a resource
// body against its type's schema for a non-blocking corroboration log
// line in the commit pipeline (the core never gates on resource shape
// — spec.md treats resource bodies as opaque).
package jsondata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// entry pairs a schema's raw bytes (served verbatim by GET
// /schemas/:name) with its compiled form (used for validation).
type entry struct {
	raw    json.RawMessage
	schema *jsonschema.Schema
}

// Catalog is the process-wide, read-only schema set loaded at
// startup: one entry per resource type, keyed by lowercase name (the
// schema file's base name without extension).
type Catalog struct {
	entries map[string]entry
	names   []string
}

// Load compiles every *.json file under dir into the catalog, keyed
// by its base file name. baseURL is used to resolve any self-referential
// "$id" the schemas declare (§6 Environment: BASE_URL).
func Load(dir string, baseURL string) (*Catalog, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list schema directory %s: %w", dir, err)
	}

	c := &Catalog{entries: make(map[string]entry)}
	compiler := jsonschema.NewCompiler()

	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", path, err)
		}

		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		key := strings.ToLower(name)

		id := strings.TrimRight(baseURL, "/") + "/schemas/" + name
		if err := compiler.AddResource(id, strings.NewReader(string(raw))); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
		sch, err := compiler.Compile(id)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}

		c.entries[key] = entry{raw: json.RawMessage(raw), schema: sch}
		c.names = append(c.names, name)
	}
	return c, nil
}

// Names returns every loaded schema's name, for the GET /schemas index.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Raw returns the schema's raw JSON bytes by name (case-insensitive),
// for GET /schemas/:name.
func (c *Catalog) Raw(name string) (json.RawMessage, bool) {
	e, ok := c.entries[strings.ToLower(name)]
	return e.raw, ok
}

// Validate reports whether body conforms to the named resource type's
// schema. If no schema is registered for resourceType, validation is
// skipped (ok=true, err=nil): the core never rejects a commit on
// resource shape, per spec.md §3.
func (c *Catalog) Validate(resourceType string, body []byte) (ok bool, err error) {
	e, found := c.entries[strings.ToLower(resourceType)]
	if !found || e.schema == nil {
		return true, nil
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return false, err
	}
	if err := e.schema.Validate(decoded); err != nil {
		return false, err
	}
	return true, nil
}
