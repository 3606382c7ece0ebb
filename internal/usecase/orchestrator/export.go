package orchestrator

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"agentfleet/internal/domain"
	"agentfleet/internal/usecase/instance"
)

const documentVersion = 1

//go:embed export.schema.json
var documentSchema []byte

// Settings describe the exporting engine. They are informational and not
// applied on import.
type Settings struct {
	AutoOptimize         bool    `yaml:"auto_optimize"         json:"auto_optimize"`
	OptimizationInterval string  `yaml:"optimization_interval" json:"optimization_interval"`
	MinSuccessRate       float64 `yaml:"min_success_rate"      json:"min_success_rate"`
	BalancerStrategy     string  `yaml:"balancer_strategy"     json:"balancer_strategy"`
	MatchStrategy        string  `yaml:"match_strategy"        json:"match_strategy"`
}

// AgentSpec describes one live agent in an exported document.
type AgentSpec struct {
	ID               string  `yaml:"id,omitempty"                json:"id,omitempty"`
	Type             string  `yaml:"type"                        json:"type"`
	MemoryLimitMB    float64 `yaml:"memory_limit_mb,omitempty"   json:"memory_limit_mb,omitempty"`
	BatchSize        int     `yaml:"batch_size,omitempty"        json:"batch_size,omitempty"`
	CompressionRatio float64 `yaml:"compression_ratio,omitempty" json:"compression_ratio,omitempty"`
}

// Document is the exported fleet configuration.
type Document struct {
	Version    int                          `yaml:"version"               json:"version"`
	ExportedAt time.Time                    `yaml:"exported_at"           json:"exported_at"`
	Settings   Settings                     `yaml:"settings"              json:"settings"`
	AgentTypes []domain.AgentTypeDefinition `yaml:"agent_types,omitempty" json:"agent_types,omitempty"`
	Agents     []AgentSpec                  `yaml:"agents,omitempty"      json:"agents,omitempty"`
}

// ExportConfiguration renders registered types and live agents as YAML.
func (o *Orchestrator) ExportConfiguration() ([]byte, error) {
	doc := Document{
		Version:    documentVersion,
		ExportedAt: time.Now().UTC(),
		Settings: Settings{
			AutoOptimize:         o.cfg.AutoOptimize,
			OptimizationInterval: o.cfg.OptimizationInterval,
			MinSuccessRate:       o.cfg.MinSuccessRate,
			BalancerStrategy:     o.balancer.Statistics().Strategy,
			MatchStrategy:        o.cfg.DefaultMatchStrategy,
		},
		AgentTypes: o.registry.All(),
	}
	for _, e := range o.entries() {
		spec := AgentSpec{ID: e.worker.ID(), Type: e.worker.Type(), MemoryLimitMB: o.memoryLimit(e.worker)}
		if t, ok := e.worker.(tunable); ok {
			s := t.Settings()
			spec.BatchSize = s.BatchSize
			spec.CompressionRatio = s.CompressionRatio
		}
		doc.Agents = append(doc.Agents, spec)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, domain.WrapOp("orchestrator.ExportConfiguration", err)
	}
	return out, nil
}

// ImportResult reports what ImportConfiguration changed.
type ImportResult struct {
	TypesRegistered int      `json:"types_registered"`
	Created         []string `json:"created,omitempty"`
	Skipped         []string `json:"skipped,omitempty"`
}

// ImportConfiguration registers the document's agent types and creates its
// agents. Agents whose id is already live are skipped. The document is
// validated in full before anything changes.
func (o *Orchestrator) ImportConfiguration(ctx context.Context, data []byte) (ImportResult, error) {
	const op = "orchestrator.ImportConfiguration"
	invalid := func(format string, args ...any) error {
		return domain.NewSubSystemError(subsystem, op, domain.ErrImportInvalid, fmt.Sprintf(format, args...))
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return ImportResult{}, invalid("parse: %v", err)
	}
	if err := validateDocument(raw); err != nil {
		return ImportResult{}, invalid("%v", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ImportResult{}, invalid("decode: %v", err)
	}
	if doc.Version > documentVersion {
		return ImportResult{}, invalid("unsupported version %d", doc.Version)
	}

	incoming := make(map[string]bool, len(doc.AgentTypes))
	for i := range doc.AgentTypes {
		if err := doc.AgentTypes[i].Validate(); err != nil {
			return ImportResult{}, invalid("%v", err)
		}
		incoming[doc.AgentTypes[i].ID] = true
	}
	for _, spec := range doc.Agents {
		if !incoming[spec.Type] && !o.registry.Has(spec.Type) {
			return ImportResult{}, domain.NewSubSystemError(subsystem, op, domain.ErrUnknownAgentType, spec.Type)
		}
	}

	var res ImportResult
	for _, def := range doc.AgentTypes {
		if err := o.registry.Register(def); err != nil {
			return res, domain.WrapOp(op, err)
		}
		res.TypesRegistered++
	}
	if res.TypesRegistered > 0 {
		o.registry.BuildIndexes()
		o.matcher.ClearCache()
	}

	for _, spec := range doc.Agents {
		if spec.ID != "" {
			if _, live := o.worker(spec.ID); live {
				res.Skipped = append(res.Skipped, spec.ID)
				continue
			}
		}
		info, err := o.CreateAgent(ctx, spec.Type, CreateOptions{ID: spec.ID, MemoryLimitMB: spec.MemoryLimitMB})
		if err != nil {
			return res, domain.WrapOp(op, err)
		}
		if w, ok := o.worker(info.ID); ok {
			if t, ok := w.(tunable); ok {
				t.Tune(instance.Settings{BatchSize: spec.BatchSize, CompressionRatio: spec.CompressionRatio})
			}
		}
		res.Created = append(res.Created, info.ID)
	}

	o.logger.Info("configuration imported",
		"types", res.TypesRegistered,
		"created", len(res.Created),
		"skipped", len(res.Skipped))
	return res, nil
}

// validateDocument checks a decoded YAML document against the embedded
// schema. It goes through JSON first so maps and numbers have the shapes the
// validator expects.
func validateDocument(doc any) error {
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("not representable as JSON: %w", err)
	}
	var v any
	if err := json.Unmarshal(buf, &v); err != nil {
		return err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("export.schema.json", bytes.NewReader(documentSchema)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("export.schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
