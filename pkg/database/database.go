// Package database loads test and resource definitions from YAML suite
// files and resolves ids for the engine.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/gridtest/gridtest/pkg/engine"
)

// unitSpec is the raw YAML shape of one test or resource entry.
type unitSpec struct {
	// ID is the unique identifier within the suite.
	ID string `yaml:"id" validate:"required"`

	// Class names the implementation to instantiate.
	Class string `yaml:"class" validate:"required"`

	// Arguments configure the implementation instance.
	Arguments map[string]any `yaml:"arguments,omitempty"`

	// Prerequisites maps a prerequisite test id to the outcome it must
	// produce. An entry with an empty outcome defaults to PASS.
	Prerequisites map[string]string `yaml:"prerequisites,omitempty"`

	// Resources lists resource ids this unit depends on.
	Resources []string `yaml:"resources,omitempty"`

	// TargetGroup restricts which targets may run this unit.
	TargetGroup string `yaml:"target_group,omitempty"`
}

// suiteFile is the raw YAML shape of one suite file.
type suiteFile struct {
	Tests     []unitSpec `yaml:"tests,omitempty"`
	Resources []unitSpec `yaml:"resources,omitempty"`
}

// YAMLDatabase implements engine.Database over one or more YAML suite
// files. Definition order is preserved across files, with files visited in
// sorted path order.
type YAMLDatabase struct {
	tests     map[string]*engine.Descriptor
	resources map[string]*engine.Descriptor
	testIDs   []string
}

// Load reads suite definitions from a YAML file or from every .yaml/.yml
// file under a directory.
func Load(path string) (*YAMLDatabase, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, engine.NewPermanentError("failed to stat suite path", err).
			WithCode(engine.ErrCodeNotFound)
	}

	var files []string
	if info.IsDir() {
		err := filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !fi.IsDir() && (strings.HasSuffix(p, ".yaml") || strings.HasSuffix(p, ".yml")) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, engine.NewPermanentError("failed to walk suite directory", err)
		}
		sort.Strings(files)
		if len(files) == 0 {
			return nil, engine.NewPermanentError("no suite files found", nil).
				WithCode(engine.ErrCodeNotFound).
				WithUnit(path)
		}
	} else {
		files = []string{path}
	}

	db := &YAMLDatabase{
		tests:     make(map[string]*engine.Descriptor),
		resources: make(map[string]*engine.Descriptor),
	}

	v := validator.New()
	for _, file := range files {
		if err := db.loadFile(v, file); err != nil {
			return nil, err
		}
	}

	return db, nil
}

func (db *YAMLDatabase) loadFile(v *validator.Validate, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return engine.NewPermanentError("failed to read suite file", err).
			WithUnit(path)
	}

	var suite suiteFile
	dec := yaml.NewDecoder(strings.NewReader(string(content)))
	dec.KnownFields(true)
	if err := dec.Decode(&suite); err != nil {
		return engine.NewPermanentError("failed to parse suite file", err).
			WithCode(engine.ErrCodeValidation).
			WithUnit(path)
	}

	for i := range suite.Tests {
		desc, err := db.convert(v, &suite.Tests[i], engine.DescriptorTest, path)
		if err != nil {
			return err
		}
		if _, dup := db.tests[desc.ID]; dup {
			return engine.NewPermanentError("duplicate test id", nil).
				WithCode(engine.ErrCodeValidation).
				WithUnit(desc.ID)
		}
		db.tests[desc.ID] = desc
		db.testIDs = append(db.testIDs, desc.ID)
	}

	for i := range suite.Resources {
		desc, err := db.convert(v, &suite.Resources[i], engine.DescriptorResource, path)
		if err != nil {
			return err
		}
		if _, dup := db.resources[desc.ID]; dup {
			return engine.NewPermanentError("duplicate resource id", nil).
				WithCode(engine.ErrCodeValidation).
				WithUnit(desc.ID)
		}
		db.resources[desc.ID] = desc
	}

	return nil
}

func (db *YAMLDatabase) convert(v *validator.Validate, spec *unitSpec, kind engine.DescriptorKind, path string) (*engine.Descriptor, error) {
	if err := v.Struct(spec); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("invalid unit definition in %s", path), err).
			WithCode(engine.ErrCodeValidation).
			WithUnit(spec.ID)
	}

	var prereqs map[string]engine.Outcome
	if len(spec.Prerequisites) > 0 {
		prereqs = make(map[string]engine.Outcome, len(spec.Prerequisites))
		for id, outcome := range spec.Prerequisites {
			o := engine.Outcome(strings.ToUpper(outcome))
			if outcome == "" {
				o = engine.OutcomePass
			}
			if !o.IsValid() {
				return nil, engine.NewPermanentError(
					fmt.Sprintf("invalid prerequisite outcome %q", outcome), nil).
					WithCode(engine.ErrCodeValidation).
					WithUnit(spec.ID)
			}
			prereqs[id] = o
		}
	}

	if kind == engine.DescriptorResource && len(prereqs) > 0 {
		return nil, engine.NewPermanentError("resources may not declare prerequisites", nil).
			WithCode(engine.ErrCodeValidation).
			WithUnit(spec.ID)
	}

	return &engine.Descriptor{
		ID:            spec.ID,
		Kind:          kind,
		Class:         spec.Class,
		Arguments:     spec.Arguments,
		Prerequisites: prereqs,
		Resources:     spec.Resources,
		TargetGroup:   spec.TargetGroup,
	}, nil
}

// GetTest returns the descriptor for a test id.
func (db *YAMLDatabase) GetTest(id string) (*engine.Descriptor, error) {
	desc, ok := db.tests[id]
	if !ok {
		return nil, engine.NewPermanentError("test not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithUnit(id)
	}
	return desc, nil
}

// GetResource returns the descriptor for a resource id.
func (db *YAMLDatabase) GetResource(id string) (*engine.Descriptor, error) {
	desc, ok := db.resources[id]
	if !ok {
		return nil, engine.NewPermanentError("resource not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithUnit(id)
	}
	return desc, nil
}

// TestIDs returns all test ids in definition order.
func (db *YAMLDatabase) TestIDs() []string {
	out := make([]string, len(db.testIDs))
	copy(out, db.testIDs)
	return out
}
