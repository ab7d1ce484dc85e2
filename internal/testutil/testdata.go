package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"

	"github.com/edgeflare/restlet/pkg/pgx/schema"
)

// LoadJSON reads and unmarshals a JSON file. If target is provided, it attempts to unmarshal the JSON into the target struct.
func LoadJSON(filename string, target ...any) (map[string]any, error) {
	var result map[string]any

	_, currentFile, _, _ := runtime.Caller(0)
	dir := filepath.Dir(currentFile)

	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(data, &result)
	if err != nil {
		return nil, err
	}

	if len(target) > 0 && target[0] != nil {
		err = json.Unmarshal(data, target[0])
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

// Tables returns the users/groups/permissions fixture from tables.json with
// relations linked. It panics if the fixture cannot be read.
func Tables() map[string]schema.Table {
	var fixture struct {
		Tables []schema.Table `json:"tables"`
	}
	if _, err := LoadJSON("tables.json", &fixture); err != nil {
		panic(err)
	}

	tables := make(map[string]schema.Table, len(fixture.Tables))
	for _, t := range fixture.Tables {
		tables[t.FullName()] = t
	}
	return schema.Link(tables)
}

// Table returns one fixture table by bare name.
func Table(name string) *schema.Table {
	t, ok := Tables()[schema.QualifiedName("", name)]
	if !ok {
		panic("testutil: no fixture table " + name)
	}
	return &t
}
