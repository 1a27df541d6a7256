// Command schema writes the wire contract as JSON schema documents: the
// envelope framing plus the snapshot and diff-patch bodies.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"

	"github.com/invopop/jsonschema"

	"gloomvault/server/internal/net/proto"
	"gloomvault/server/internal/session"
)

func main() {
	var outDir string
	flag.StringVar(&outDir, "out", "", "output directory for the schema documents")
	flag.Parse()

	if outDir == "" {
		log.Fatal("schema: missing -out directory")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		log.Fatalf("schema: create output dir: %v", err)
	}

	envelope, err := proto.BuildEnvelopeSchema()
	if err != nil {
		log.Fatalf("schema: %v", err)
	}
	if err := writeSchema(filepath.Join(outDir, "envelope.schema.json"), envelope); err != nil {
		log.Fatalf("schema: %v", err)
	}

	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}

	snapshot := reflector.ReflectFromType(reflect.TypeOf(session.Snapshot{}))
	snapshot.Title = "Gloomvault Session Snapshot"
	snapshot.Description = "Versioned, checksummed capture of shared session state."
	if err := writeSchema(filepath.Join(outDir, "snapshot.schema.json"), snapshot); err != nil {
		log.Fatalf("schema: %v", err)
	}

	patch := reflector.ReflectFromType(reflect.TypeOf(session.DiffPatch{}))
	patch.Title = "Gloomvault Diff Patch"
	patch.Description = "Full or partial state delta carried on the state_patch channel."
	if err := writeSchema(filepath.Join(outDir, "patch.schema.json"), patch); err != nil {
		log.Fatalf("schema: %v", err)
	}
}

func writeSchema(path string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
