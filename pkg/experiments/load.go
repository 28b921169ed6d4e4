package experiments

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jacquard/jacquard/pkg/constraints"
	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/kv/txmap"
	"github.com/jacquard/jacquard/pkg/odm"
)

// Format is the serialisation of an experiment definition file (spec 6).
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromExtension picks a Format by file extension, defaulting to JSON
// for anything else.
func FormatFromExtension(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

type branchDoc struct {
	ID       string                 `json:"id" yaml:"id"`
	Settings map[string]interface{} `json:"settings" yaml:"settings"`
	Percent  *float64               `json:"percent,omitempty" yaml:"percent,omitempty"`
}

type definitionDoc struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Branches    []branchDoc            `json:"branches" yaml:"branches"`
	Constraints map[string]interface{} `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Launched    string                 `json:"launched,omitempty" yaml:"launched,omitempty"`
	Concluded   string                 `json:"concluded,omitempty" yaml:"concluded,omitempty"`
}

func parseDefinition(raw []byte, format Format) (*definitionDoc, error) {
	var def definitionDoc

	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(raw, &def)
	default:
		err = json.Unmarshal(raw, &def)
	}
	if err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("cannot parse experiment definition: %s", err)}
	}

	if def.ID == "" {
		return nil, &ValidationError{Msg: "experiment definition has no id"}
	}
	if len(def.Branches) == 0 {
		return nil, &ValidationError{Msg: fmt.Sprintf("experiment %q has no branches", def.ID)}
	}

	return &def, nil
}

// Load reads a single experiment definition (spec 4.7/6: required id and
// branches, optional name/constraints/launched/concluded) and stores it
// under experiments/<id>. skipLaunched, when false, refuses to overwrite a
// definition that's currently active or concluded; when true, such a
// definition is skipped and the stored record is left unchanged.
func Load(ctx context.Context, store kv.Store, raw []byte, format Format, skipLaunched bool) error {
	def, err := parseDefinition(raw, format)
	if err != nil {
		return err
	}

	return txmap.WithTransaction(ctx, store, false, func(ctx context.Context, m *txmap.Map) error {
		session := odm.NewFromMap(m)

		active, err := getStringList(ctx, m, activeExperimentsKey)
		if err != nil {
			return err
		}
		concluded, err := getStringList(ctx, m, concludedExperimentsKey)
		if err != nil {
			return err
		}

		if containsString(active, def.ID) || containsString(concluded, def.ID) {
			if !skipLaunched {
				return &IllegalTransitionError{Msg: fmt.Sprintf("experiment %q is live, refusing to edit", def.ID)}
			}
			logger.Info().Str("experiment", def.ID).Msg("experiment is live, skipping definition")
			return nil
		}

		exp := NewExperiment(def.ID)
		exp.Name = def.Name
		if exp.Name == "" {
			exp.Name = def.ID
		}

		exp.Branches = make([]Branch, len(def.Branches))
		for i, b := range def.Branches {
			exp.Branches[i] = Branch{ID: b.ID, Settings: b.Settings, Percent: b.Percent}
		}

		if def.Constraints != nil {
			c, err := constraints.FromJSON(def.Constraints)
			if err != nil {
				return fmt.Errorf("experiments: load %q: %w", def.ID, err)
			}
			exp.Constraints = c
		} else {
			exp.Constraints = constraints.Universal()
		}

		if def.Launched != "" {
			t, err := time.Parse(time.RFC3339, def.Launched)
			if err != nil {
				return fmt.Errorf("experiments: load %q: parse launched: %w", def.ID, err)
			}
			exp.Launched = &t
		}
		if def.Concluded != "" {
			t, err := time.Parse(time.RFC3339, def.Concluded)
			if err != nil {
				return fmt.Errorf("experiments: load %q: parse concluded: %w", def.ID, err)
			}
			exp.Concluded = &t
		}

		if err := session.Add(exp); err != nil {
			return err
		}

		if err := session.Flush(ctx); err != nil {
			return err
		}

		logger.Info().Str("experiment", def.ID).Bool("skip_launched", skipLaunched).Msg("experiment definition loaded")
		return nil
	})
}
