package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/anselmo-ruiz/featurestore/dataset"
)

// datasetFile is the on-disk shape the metadata service's static catalog
// is loaded from at startup (spec.md §2's "metadata service supplies the
// DataSet catalog"). One template kind — COUNT — is wired today, the
// same set dataset.Template has a concrete implementation for.
type datasetFile struct {
	Datasets []datasetConfig `json:"datasets"`
}

type datasetConfig struct {
	ID       int64             `json:"id"`
	Name     string            `json:"name"`
	Columns  map[string]string `json:"columns"`
	Features []featureConfig   `json:"features"`
}

type featureConfig struct {
	ID    uint64       `json:"id"`
	Name  string       `json:"name"`
	Count *countConfig `json:"count,omitempty"`
}

type countConfig struct {
	GroupKeys  []string `json:"group_keys"`
	TimeKey    string   `json:"time_key"`
	WindowUnit string   `json:"window_unit"`
	WindowSize uint64   `json:"window_size"`
}

func loadCatalog(path string) (*dataset.Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	var file datasetFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("load catalog: parse %s: %w", path, err)
	}

	datasets := make([]*dataset.DataSet, 0, len(file.Datasets))
	for _, dc := range file.Datasets {
		columns := make(map[string]dataset.ColumnType, len(dc.Columns))
		for name, t := range dc.Columns {
			ct, err := parseColumnType(t)
			if err != nil {
				return nil, fmt.Errorf("load catalog: dataset %d column %q: %w", dc.ID, name, err)
			}
			columns[name] = ct
		}

		features := make([]dataset.Feature, 0, len(dc.Features))
		for _, fc := range dc.Features {
			tmpl, err := buildTemplate(fc)
			if err != nil {
				return nil, fmt.Errorf("load catalog: dataset %d feature %d: %w", dc.ID, fc.ID, err)
			}
			features = append(features, dataset.Feature{ID: fc.ID, Name: fc.Name, Template: tmpl})
		}

		datasets = append(datasets, &dataset.DataSet{
			ID:       dc.ID,
			Name:     dc.Name,
			Columns:  columns,
			Features: features,
		})
	}
	return dataset.NewCatalog(datasets), nil
}

func parseColumnType(s string) (dataset.ColumnType, error) {
	switch s {
	case "TEXT":
		return dataset.TEXT, nil
	case "INT":
		return dataset.INT, nil
	case "FLOAT":
		return dataset.FLOAT, nil
	case "DATETIME":
		return dataset.DATETIME, nil
	default:
		return 0, fmt.Errorf("unknown column type %q", s)
	}
}

func parseWindowUnit(s string) (dataset.WindowUnit, error) {
	switch s {
	case "SECOND":
		return dataset.SECOND, nil
	case "MINUTE":
		return dataset.MINUTE, nil
	case "HOUR":
		return dataset.HOUR, nil
	case "DAY":
		return dataset.DAY, nil
	default:
		return 0, fmt.Errorf("unknown window unit %q", s)
	}
}

func buildTemplate(fc featureConfig) (dataset.Template, error) {
	if fc.Count == nil {
		return nil, fmt.Errorf("feature has no template configured")
	}
	unit, err := parseWindowUnit(fc.Count.WindowUnit)
	if err != nil {
		return nil, err
	}
	return &dataset.CountTemplate{
		GroupKeys:  fc.Count.GroupKeys,
		TimeKey:    fc.Count.TimeKey,
		WindowUnit: unit,
		WindowSize: fc.Count.WindowSize,
	}, nil
}
